package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrNoPrincipal_MatchesBoth(t *testing.T) {
	assert.ErrorIs(t, ErrNoPrincipal, ErrAccessDenied)
	assert.ErrorIs(t, ErrNoPrincipal, ErrUnauthenticated)
	assert.NotErrorIs(t, ErrNoPrincipal, ErrNotFound)
}

func TestStorageError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewStorageError("select records", cause)

	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "select records")
	assert.True(t, IsRetryable(err))
}

func TestNewStorageError_PassesDomainErrorsThrough(t *testing.T) {
	assert.Nil(t, NewStorageError("op", nil))

	wrapped := fmt.Errorf("lookup: %w", ErrNotFound)
	assert.Same(t, wrapped, NewStorageError("op", wrapped))
	assert.False(t, IsRetryable(wrapped))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"storage", &StorageError{Op: "x", Err: errors.New("io")}, true},
		{"denied", ErrAccessDenied, false},
		{"no principal", ErrNoPrincipal, false},
		{"mismatch", ErrOwnershipMismatch, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestPublicMessage_HidesDetails(t *testing.T) {
	assert.Equal(t, "access denied", PublicMessage(fmt.Errorf("owner u2 != u1: %w", ErrOwnershipMismatch)))
	assert.Equal(t, "access denied", PublicMessage(ErrNoPrincipal))
	assert.Equal(t, "not found", PublicMessage(ErrNotFound))
	assert.Equal(t, "temporarily unavailable, retry later", PublicMessage(NewStorageError("op", errors.New("io"))))
	assert.Equal(t, "internal error", PublicMessage(errors.New("boom")))
	assert.Equal(t, "", PublicMessage(nil))
}
