package models

import (
	"time"
)

// Wallet is the identity record of a custody wallet
type Wallet struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	LastAccessedAt time.Time `json:"lastAccessedAt" db:"last_accessed_at"`
	Active         bool      `json:"active" db:"active"`
}

// WalletKeyMaterial holds the sealed seed and account public key of a wallet.
// It is written once at wallet creation.
type WalletKeyMaterial struct {
	WalletID      string    `json:"walletId" db:"wallet_id"`
	EncryptedSeed []byte    `json:"-" db:"encrypted_seed"`
	PublicKey     []byte    `json:"publicKey" db:"public_key"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

// CreatedWallet is returned once when a wallet is created. The mnemonic is
// never persisted in clear and never returned again.
type CreatedWallet struct {
	Wallet   *Wallet `json:"wallet"`
	Mnemonic string  `json:"mnemonic"`
}
