package xid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	a := New("job")
	b := New("job")

	require.True(t, strings.HasPrefix(a, "job_"))
	require.NotEqual(t, a, b)
	_, err := uuid.Parse(strings.TrimPrefix(a, "job_"))
	require.NoError(t, err)
}
