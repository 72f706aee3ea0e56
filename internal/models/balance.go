package models

import (
	"time"
)

// BalanceSnapshot is the cached reconciled balance of a wallet.
// It is always replaced as a whole, never patched.
type BalanceSnapshot struct {
	WalletID          string    `json:"walletId" db:"wallet_id"`
	OnchainConfirmed  int64     `json:"onchainConfirmed" db:"onchain_confirmed"`
	OnchainPending    int64     `json:"onchainPending" db:"onchain_pending"`
	OffchainConfirmed int64     `json:"offchainConfirmed" db:"offchain_confirmed"`
	OffchainPending   int64     `json:"offchainPending" db:"offchain_pending"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}

// Available returns the confirmed spendable subtotal across both ledgers
func (b *BalanceSnapshot) Available() int64 {
	return b.OnchainConfirmed + b.OffchainConfirmed
}

// Total returns every counter summed
func (b *BalanceSnapshot) Total() int64 {
	return b.OnchainConfirmed + b.OnchainPending + b.OffchainConfirmed + b.OffchainPending
}

// BalanceView is a snapshot annotated with per-side staleness.
// A stale side carries the last persisted counters because its remote failed.
type BalanceView struct {
	Snapshot      BalanceSnapshot `json:"snapshot"`
	OnchainStale  bool            `json:"onchainStale"`
	OffchainStale bool            `json:"offchainStale"`
	Warnings      []string        `json:"warnings,omitempty"`
}

// AddressBalance is the indexer's balance of a single address
type AddressBalance struct {
	Address   string `json:"address"`
	Confirmed int64  `json:"confirmed"`
	Pending   int64  `json:"pending"`
}
