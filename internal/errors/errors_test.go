package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ark-custody/internal/types"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"wallet not found", NewWalletNotFoundError("w1"), KindNotFound},
		{"output not found", NewOutputNotFoundError("tx"), KindNotFound},
		{"invalid destination", NewInvalidDestinationError("bc1bad", nil), KindValidation},
		{"derivation exhausted", NewDerivationExhaustedError(types.AddressOnchain, nil), KindValidation},
		{"insufficient funds", NewInsufficientFundsError(10, 5), KindInsufficientFunds},
		{"coordinator unavailable", NewCoordinatorUnavailableError("round", nil), KindRemoteUnavailable},
		{"broadcast failed", NewBroadcastFailedError(nil), KindRemoteRejected},
		{"coordinator rejected", NewCoordinatorRejectedError("round", "bad input", nil), KindRemoteRejected},
		{"timelock", NewTimelockNotExpiredError("tx", 10), KindTimelockNotExpired},
		{"already settled", NewAlreadySettledError("tx", "spent"), KindAlreadySettled},
		{"storage", NewStorageInconsistencyError("boom", nil), KindStorageInconsistency},
		{"plain", stderrors.New("plain"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := NewInsufficientFundsError(1000, 10)
	wrapped := fmt.Errorf("failed to send: %w", base)

	assert.True(t, Is(wrapped, KindInsufficientFunds))
	assert.True(t, HasCode(wrapped, CodeInsufficientFunds))
	assert.Equal(t, http.StatusUnprocessableEntity, GetHTTPStatusCode(wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewIndexerUnavailableError("utxos", nil)))
	assert.False(t, IsRetryable(NewBroadcastFailedError(nil)))
	assert.False(t, IsRetryable(NewCoordinatorRejectedError("exit", "no", nil)))
	assert.False(t, IsRetryable(NewWalletNotFoundError("w")))
	assert.False(t, IsRetryable(nil))
}

func TestToServiceErrorCarriesKind(t *testing.T) {
	svc := NewTimelockNotExpiredError("abc", 10).ToServiceError()

	require.NotNil(t, svc)
	assert.Equal(t, CodeTimelockNotExpired, svc.Code)
	assert.Equal(t, string(KindTimelockNotExpired), svc.Details["kind"])
	assert.Equal(t, int64(10), svc.Details["blocksRemaining"])
}

func TestUserVersusSystem(t *testing.T) {
	assert.True(t, IsUserError(NewInvalidAmountError(0, "must be positive")))
	assert.False(t, IsSystemError(NewInvalidAmountError(0, "must be positive")))
	assert.True(t, IsSystemError(NewStorageInconsistencyError("x", nil)))
}
