package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Krchnk/gw-mining-wallet/internal/storages"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", fmt.Errorf("get: %w", storages.ErrNotFound), NotFound},
		{"conflict", storages.ErrConflict, Conflict},
		{"deadline", context.DeadlineExceeded, Unavailable},
		{"canceled", fmt.Errorf("query: %w", context.Canceled), Unavailable},
		{"referral taken", storages.ErrReferralTaken, Conflict},
		{"transport", errors.New("dial tcp: connection refused"), Unavailable},
		{"already classified", E(InsufficientFunds, "redeem", "", nil), InsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(Classify("op", tt.err)))
		})
	}
	assert.Nil(t, Classify("op", nil))
}

func TestMessageIsSeparateFromCause(t *testing.T) {
	err := E(Unauthorized, "authenticate", "invalid email or password", errors.New("user lookup failed"))

	assert.Equal(t, "invalid email or password", Message(err))
	assert.Contains(t, err.Error(), "user lookup failed")
	assert.True(t, Is(fmt.Errorf("wrapped: %w", err), Unauthorized))
	assert.Equal(t, "Internal server error", Message(errors.New("boom")))
}
