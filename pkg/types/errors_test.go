package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewConflictError("grant already open"))

	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, ErrorTypeConflict, TypeOf(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"unavailable", NewUnavailableError("store down", nil), ClassRetryable},
		{"conflict", NewConflictError("open grant"), ClassReread},
		{"forbidden", NewForbiddenError("not owner"), ClassTerminal},
		{"validation", NewValidationError(ErrCodeInvalidInput, "bad", nil), ClassTerminal},
		{"plain", errors.New("boom"), ClassTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestParseWireError(t *testing.T) {
	t.Run("chaincode prefixed message", func(t *testing.T) {
		msg := "chaincode response 500, " + NewSelfGrantError("provider and patient are the same principal").Error()

		he, ok := ParseWireError(msg)
		require.True(t, ok)
		assert.Equal(t, ErrorTypeSelfGrant, he.Type)
		assert.Equal(t, "provider and patient are the same principal", he.Message)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, ok := ParseWireError("connection reset by peer")
		assert.False(t, ok)
	})

	t.Run("code embedded in a longer word is ignored", func(t *testing.T) {
		_, ok := ParseWireError("XNOT_FOUND: nope")
		assert.False(t, ok)
	})
}

func TestDecryptionErrorIsUniform(t *testing.T) {
	assert.Equal(t, NewDecryptionError().Error(), NewDecryptionError().Error())
}
