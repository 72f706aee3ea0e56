package service

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/ark-custody/internal/adapter"
	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/keychain"
	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/storage"
	"github.com/ark-custody/internal/types"
)

// AddressManager derives, negotiates and records wallet addresses
type AddressManager struct {
	wallets     WalletRepository
	addresses   AddressRepository
	deriver     Deriver
	coordinator adapter.SettlementCoordinator
	info        *CoordinatorInfoCache
	locks       *WalletLocks
	clock       clock.Clock
}

// NewAddressManager creates a new address manager
func NewAddressManager(
	wallets WalletRepository,
	addresses AddressRepository,
	deriver Deriver,
	coordinator adapter.SettlementCoordinator,
	info *CoordinatorInfoCache,
	locks *WalletLocks,
	clk clock.Clock,
) *AddressManager {
	return &AddressManager{
		wallets:     wallets,
		addresses:   addresses,
		deriver:     deriver,
		coordinator: coordinator,
		info:        info,
		locks:       locks,
		clock:       clk,
	}
}

// GetAddress returns the current address of a class, deriving or
// negotiating one on first use
func (m *AddressManager) GetAddress(ctx context.Context, walletID string, class types.AddressClass) (*models.AddressRecord, error) {
	if !class.Valid() {
		return nil, apperrors.NewInvalidParameterError("class", "must be onchain, offchain or boarding")
	}
	if err := requireWallet(ctx, m.wallets, walletID); err != nil {
		return nil, err
	}

	m.locks.Lock(walletID)
	defer m.locks.Unlock(walletID)

	return m.currentAddress(ctx, walletID, class)
}

// RotateAddress derives the next on-chain or off-chain address. The old
// one stays on record so incoming payments to it are still matched.
func (m *AddressManager) RotateAddress(ctx context.Context, walletID string, class types.AddressClass) (*models.AddressRecord, error) {
	if !class.Derived() {
		return nil, apperrors.NewInvalidParameterError("class", "only onchain and offchain addresses can be rotated")
	}
	if err := requireWallet(ctx, m.wallets, walletID); err != nil {
		return nil, err
	}

	m.locks.Lock(walletID)
	defer m.locks.Unlock(walletID)

	return m.newAddress(ctx, walletID, class)
}

// ListAddresses returns every address of a wallet, historical ones included
func (m *AddressManager) ListAddresses(ctx context.Context, walletID string, class *types.AddressClass) ([]*models.AddressRecord, error) {
	if err := requireWallet(ctx, m.wallets, walletID); err != nil {
		return nil, err
	}
	recs, err := m.addresses.List(ctx, walletID, class)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list addresses", err)
	}
	return recs, nil
}

// currentAddress is GetAddress for callers already holding the wallet lock
func (m *AddressManager) currentAddress(ctx context.Context, walletID string, class types.AddressClass) (*models.AddressRecord, error) {
	rec, err := m.addresses.GetCurrent(ctx, walletID, class)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NewDatabaseError("get current address", err)
	}
	return m.newAddress(ctx, walletID, class)
}

func (m *AddressManager) newAddress(ctx context.Context, walletID string, class types.AddressClass) (*models.AddressRecord, error) {
	keys, err := loadKeys(ctx, m.wallets, walletID)
	if err != nil {
		return nil, err
	}

	rec := &models.AddressRecord{
		WalletID:  walletID,
		Class:     class,
		CreatedAt: m.clock.Now().UTC(),
	}

	switch class {
	case types.AddressBoarding:
		addr, err := m.coordinator.GetBoardingAddress(ctx, keys.PublicKey)
		if err != nil {
			return nil, coordinatorError("boarding", err)
		}
		rec.Address = addr

	case types.AddressOnchain, types.AddressOffchain:
		index, err := m.addresses.NextIndex(ctx, walletID, class)
		if err != nil {
			return nil, apperrors.NewDatabaseError("next derivation index", err)
		}
		if index >= hdkeychain.HardenedKeyStart {
			return nil, apperrors.NewDerivationExhaustedError(class, keychain.ErrIndexExhausted)
		}

		addr, err := m.derive(ctx, keys, class, index)
		if err != nil {
			return nil, err
		}
		rec.Address = addr
		rec.DerivationIndex = &index
	}

	if err := m.addresses.InsertCurrent(ctx, rec); err != nil {
		return nil, apperrors.NewDatabaseError("store address", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "address",
		"walletId":  walletID,
		"class":     string(class),
	}).Debug("New current address recorded")

	return rec, nil
}

func (m *AddressManager) derive(ctx context.Context, keys *models.WalletKeyMaterial, class types.AddressClass, index uint32) (string, error) {
	var (
		addr string
		err  error
	)
	if class == types.AddressOffchain {
		info, infoErr := m.info.Get(ctx)
		if infoErr != nil {
			return "", infoErr
		}
		addr, err = m.deriver.OffchainAddress(keys.EncryptedSeed, index, info.SignerPubKey)
	} else {
		addr, err = m.deriver.OnchainAddress(keys.EncryptedSeed, index)
	}

	if errors.Is(err, keychain.ErrIndexExhausted) {
		return "", apperrors.NewDerivationExhaustedError(class, err)
	}
	if err != nil {
		return "", apperrors.NewInternalError("address derivation failed", err)
	}
	return addr, nil
}
