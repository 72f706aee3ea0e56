package models

import (
	"github.com/ark-custody/internal/types"
)

// TransactionRecord is a row of the wallet ledger.
// Identity is (WalletID, TxID, Type): a boarding deposit and its settlement
// may share an on-chain txid.
type TransactionRecord struct {
	ID        int64                  `json:"-" db:"id"`
	WalletID  string                 `json:"walletId" db:"wallet_id"`
	TxID      string                 `json:"txid" db:"txid"`
	Amount    int64                  `json:"amount" db:"amount"` // positive = receive, negative = send
	Timestamp int64                  `json:"timestamp" db:"timestamp"`
	Type      types.TransactionType  `json:"type" db:"type"`
	Status    types.SettlementStatus `json:"status" db:"status"`
	RawTx     []byte                 `json:"rawTx,omitempty" db:"raw_tx"`
}

// Key returns the deduplication key of the record within its wallet
func (r *TransactionRecord) Key() RecordKey {
	return RecordKey{TxID: r.TxID, Type: r.Type}
}

// RecordKey identifies a ledger row within a wallet
type RecordKey struct {
	TxID string
	Type types.TransactionType
}

// StatusUpdate moves an existing ledger row to a new settlement status
type StatusUpdate struct {
	TxID   string
	Type   types.TransactionType
	Status types.SettlementStatus
}

// TransactionFilter narrows a ledger listing
type TransactionFilter struct {
	Type   *types.TransactionType
	Limit  int
	Offset int
}

// LedgerUpdate is a set of writes that must commit together
type LedgerUpdate struct {
	WalletID      string
	Inserts       []*TransactionRecord
	StatusUpdates []StatusUpdate
	Snapshot      *BalanceSnapshot
}

// Empty reports whether the update carries no writes
func (u *LedgerUpdate) Empty() bool {
	return len(u.Inserts) == 0 && len(u.StatusUpdates) == 0 && u.Snapshot == nil
}
