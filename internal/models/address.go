package models

import (
	"time"

	"github.com/ark-custody/internal/types"
)

// AddressRecord is an address owned by a wallet.
// DerivationIndex is nil for boarding addresses, which are negotiated with
// the coordinator rather than derived locally.
type AddressRecord struct {
	ID              int64              `json:"-" db:"id"`
	WalletID        string             `json:"walletId" db:"wallet_id"`
	Address         string             `json:"address" db:"address"`
	Class           types.AddressClass `json:"class" db:"class"`
	DerivationIndex *uint32            `json:"derivationIndex,omitempty" db:"derivation_index"`
	IsCurrent       bool               `json:"isCurrent" db:"is_current"`
	CreatedAt       time.Time          `json:"createdAt" db:"created_at"`
}
