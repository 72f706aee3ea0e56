// Package service implements wallet reconciliation and settlement
// orchestration on top of the ledger store and the two remotes.
package service

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/ark-custody/internal/keychain"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/storage"
	"github.com/ark-custody/internal/types"
)

// WalletRepository interface for wallet identity and key material
type WalletRepository interface {
	Create(ctx context.Context, wallet *models.Wallet, keys *models.WalletKeyMaterial) error
	Get(ctx context.Context, id string) (*models.Wallet, error)
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, activeOnly bool) ([]*models.Wallet, error)
	Touch(ctx context.Context, id string, at time.Time) error
	SetActive(ctx context.Context, id string, active bool) error
	GetKeyMaterial(ctx context.Context, walletID string) (*models.WalletKeyMaterial, error)
}

// AddressRepository interface for wallet addresses
type AddressRepository interface {
	GetCurrent(ctx context.Context, walletID string, class types.AddressClass) (*models.AddressRecord, error)
	NextIndex(ctx context.Context, walletID string, class types.AddressClass) (uint32, error)
	InsertCurrent(ctx context.Context, rec *models.AddressRecord) error
	List(ctx context.Context, walletID string, class *types.AddressClass) ([]*models.AddressRecord, error)
}

// BalanceRepository interface for the persisted balance snapshot
type BalanceRepository interface {
	Get(ctx context.Context, walletID string) (*models.BalanceSnapshot, error)
}

// TransactionRepository interface for ledger reads
type TransactionRepository interface {
	List(ctx context.Context, walletID string, filter models.TransactionFilter) ([]*models.TransactionRecord, error)
	GetByTxID(ctx context.Context, walletID, txid string) ([]*models.TransactionRecord, error)
	ListPending(ctx context.Context, walletID string, txType types.TransactionType) ([]*models.TransactionRecord, error)
	StatusIndex(ctx context.Context, walletID string) (map[models.RecordKey]types.SettlementStatus, error)
}

// Ledger commits ledger rows and the snapshot atomically
type Ledger interface {
	ApplyUpdate(ctx context.Context, update *models.LedgerUpdate) (*storage.ApplyResult, error)
}

// KeyGenerator creates the key material of new wallets
type KeyGenerator interface {
	NewWallet() (*keychain.WalletKeys, error)
}

// Deriver derives wallet addresses from a sealed seed
type Deriver interface {
	OnchainAddress(sealedSeed []byte, index uint32) (string, error)
	OffchainAddress(sealedSeed []byte, index uint32, serverKey []byte) (string, error)
}

// Signer signs P2WPKH spends from a sealed seed
type Signer interface {
	SignP2WPKH(sealedSeed []byte, tx *wire.MsgTx, inputs []keychain.SignInput) error
}

var (
	_ WalletRepository      = (*storage.WalletRepository)(nil)
	_ AddressRepository     = (*storage.AddressRepository)(nil)
	_ BalanceRepository     = (*storage.BalanceRepository)(nil)
	_ TransactionRepository = (*storage.TransactionRepository)(nil)
	_ Ledger                = (*storage.LedgerStore)(nil)
	_ KeyGenerator          = (*keychain.KeyRing)(nil)
	_ Deriver               = (*keychain.KeyRing)(nil)
	_ Signer                = (*keychain.KeyRing)(nil)
)
