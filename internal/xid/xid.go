package xid

import "github.com/google/uuid"

// New returns a prefixed random identifier such as "job_3f0c...".
func New(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "_" + uuid.NewString()
}
