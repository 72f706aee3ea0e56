package service

import (
	"context"
	"errors"

	"github.com/ark-custody/internal/adapter"
	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/multimutex"
	"github.com/ark-custody/internal/storage"
)

// WalletLocks serializes state-changing work per wallet. One arena is
// shared by every component so that a sync never interleaves with a send
// on the same wallet.
type WalletLocks = multimutex.Mutex[string]

// NewWalletLocks creates an empty lock arena
func NewWalletLocks() *WalletLocks {
	return multimutex.NewMutex[string]()
}

func requireWallet(ctx context.Context, wallets WalletRepository, walletID string) error {
	if walletID == "" {
		return apperrors.NewInvalidParameterError("walletId", "must not be empty")
	}
	exists, err := wallets.Exists(ctx, walletID)
	if err != nil {
		return apperrors.NewDatabaseError("wallet lookup", err)
	}
	if !exists {
		return apperrors.NewWalletNotFoundError(walletID)
	}
	return nil
}

func loadKeys(ctx context.Context, wallets WalletRepository, walletID string) (*models.WalletKeyMaterial, error) {
	keys, err := wallets.GetKeyMaterial(ctx, walletID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NewWalletNotFoundError(walletID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("key material lookup", err)
	}
	return keys, nil
}

// indexerError makes sure a failure from the indexer carries a kind.
// The resilient decorator already does this; bare clients do not.
func indexerError(op string, err error) error {
	if err == nil || apperrors.KindOf(err) != apperrors.KindInternal {
		return err
	}
	if errors.Is(err, adapter.ErrRejected) {
		return apperrors.NewIndexerRejectedError(op, adapter.RejectReason(err), err)
	}
	return apperrors.NewIndexerUnavailableError(op, err)
}

// coordinatorError is indexerError for the settlement coordinator
func coordinatorError(op string, err error) error {
	if err == nil || apperrors.KindOf(err) != apperrors.KindInternal {
		return err
	}
	if errors.Is(err, adapter.ErrRejected) {
		return apperrors.NewCoordinatorRejectedError(op, adapter.RejectReason(err), err)
	}
	return apperrors.NewCoordinatorUnavailableError(op, err)
}
