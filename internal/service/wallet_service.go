package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"

	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/storage"
)

const maxWalletNameLength = 100

// WalletService handles wallet lifecycle
type WalletService struct {
	wallets WalletRepository
	keys    KeyGenerator
	clock   clock.Clock
}

// NewWalletService creates a new wallet service
func NewWalletService(wallets WalletRepository, keys KeyGenerator, clk clock.Clock) *WalletService {
	return &WalletService{
		wallets: wallets,
		keys:    keys,
		clock:   clk,
	}
}

// CreateWallet generates a seed, seals it and stores the wallet with a zero
// balance snapshot. The mnemonic is returned once and never persisted.
func (s *WalletService) CreateWallet(ctx context.Context, name string) (*models.CreatedWallet, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.NewInvalidParameterError("name", "must not be empty")
	}
	if len(name) > maxWalletNameLength {
		return nil, apperrors.NewInvalidParameterError("name", "must be at most 100 characters")
	}

	keys, err := s.keys.NewWallet()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to generate wallet keys", err)
	}

	now := s.clock.Now().UTC()
	wallet := &models.Wallet{
		ID:             uuid.NewString(),
		Name:           name,
		CreatedAt:      now,
		LastAccessedAt: now,
		Active:         true,
	}
	material := &models.WalletKeyMaterial{
		WalletID:      wallet.ID,
		EncryptedSeed: keys.SealedSeed,
		PublicKey:     keys.AccountPubKey,
		CreatedAt:     now,
	}

	if err := s.wallets.Create(ctx, wallet, material); err != nil {
		return nil, apperrors.NewDatabaseError("create wallet", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "wallet",
		"walletId":  wallet.ID,
	}).Info("Wallet created")

	return &models.CreatedWallet{Wallet: wallet, Mnemonic: keys.Mnemonic}, nil
}

// ListWallets returns every wallet, or only the active ones
func (s *WalletService) ListWallets(ctx context.Context, activeOnly bool) ([]*models.Wallet, error) {
	wallets, err := s.wallets.List(ctx, activeOnly)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list wallets", err)
	}
	return wallets, nil
}

// GetWallet returns a wallet and records the access
func (s *WalletService) GetWallet(ctx context.Context, walletID string) (*models.Wallet, error) {
	wallet, err := s.wallets.Get(ctx, walletID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NewWalletNotFoundError(walletID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get wallet", err)
	}

	now := s.clock.Now().UTC()
	if err := s.wallets.Touch(ctx, walletID, now); err != nil {
		// Access tracking is best effort
		logging.FromContext(ctx).WithError(err).WithField("walletId", walletID).Warn("Failed to record wallet access")
	} else {
		wallet.LastAccessedAt = now
	}
	return wallet, nil
}

// SetActive enables or disables a wallet. Inactive wallets are skipped by
// the sync worker.
func (s *WalletService) SetActive(ctx context.Context, walletID string, active bool) error {
	if err := requireWallet(ctx, s.wallets, walletID); err != nil {
		return err
	}
	if err := s.wallets.SetActive(ctx, walletID, active); err != nil {
		return apperrors.NewDatabaseError("set wallet active", err)
	}
	return nil
}
