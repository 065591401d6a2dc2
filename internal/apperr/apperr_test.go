package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatchingSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("close day: %w", State("shift %s still open", "s-1"))

	assert.True(t, errors.Is(err, ErrState))
	assert.False(t, errors.Is(err, ErrPermission))
	assert.Equal(t, KindState, KindOf(err))
	assert.Equal(t, "close day: shift s-1 still open", err.Error())
}

func TestKindOfUncategorizedIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindOf(errors.New("boom"))))
}

func TestHTTPStatusPerKind(t *testing.T) {
	cases := map[Kind]int{
		KindValidation: http.StatusBadRequest,
		KindState:      http.StatusConflict,
		KindPermission: http.StatusForbidden,
		KindNotFound:   http.StatusNotFound,
	}
	for kind, status := range cases {
		assert.Equal(t, status, HTTPStatus(kind), string(kind))
	}
}
