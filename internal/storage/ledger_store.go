package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/types"
)

// ApplyResult counts the rows an update actually changed
type ApplyResult struct {
	Inserted int
	Updated  int
}

// LedgerStore commits ledger rows and the balance snapshot together
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a new ledger store
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// ApplyUpdate writes every part of update in one transaction.
//
// Inserts whose (wallet, txid, type) already exists are skipped. Status
// updates only move pending rows; settled and cancelled rows are final.
// Inserts are written in ascending timestamp order.
func (s *LedgerStore) ApplyUpdate(ctx context.Context, update *models.LedgerUpdate) (*ApplyResult, error) {
	result := &ApplyResult{}
	if update.Empty() {
		return result, nil
	}

	inserts := make([]*models.TransactionRecord, len(update.Inserts))
	copy(inserts, update.Inserts)
	sort.SliceStable(inserts, func(i, j int) bool {
		return inserts[i].Timestamp < inserts[j].Timestamp
	})

	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range inserts {
			if rec.WalletID != update.WalletID {
				return fmt.Errorf("record %s belongs to wallet %s, not %s", rec.TxID, rec.WalletID, update.WalletID)
			}
			if !rec.Type.Valid() {
				return fmt.Errorf("record %s has unknown type %q", rec.TxID, rec.Type)
			}

			res, err := tx.ExecContext(ctx, s.db.Rebind(`
				INSERT INTO transactions (wallet_id, txid, amount, timestamp, type, status, raw_tx)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (wallet_id, txid, type) DO NOTHING
			`),
				rec.WalletID,
				rec.TxID,
				rec.Amount,
				rec.Timestamp,
				string(rec.Type),
				statusValue(rec.Status),
				rec.RawTx,
			)
			if err != nil {
				return fmt.Errorf("failed to insert transaction %s: %w", rec.TxID, MapSQLError(err))
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read affected rows: %w", err)
			}
			result.Inserted += int(n)
		}

		for _, su := range update.StatusUpdates {
			if !types.StatusPending.CanTransitionTo(su.Status) {
				continue
			}
			res, err := tx.ExecContext(ctx, s.db.Rebind(`
				UPDATE transactions SET status = ?
				WHERE wallet_id = ? AND txid = ? AND type = ? AND status = ?
			`),
				statusValue(su.Status),
				update.WalletID,
				su.TxID,
				string(su.Type),
				string(types.StatusPending),
			)
			if err != nil {
				return fmt.Errorf("failed to update transaction %s: %w", su.TxID, MapSQLError(err))
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read affected rows: %w", err)
			}
			result.Updated += int(n)
		}

		if update.Snapshot != nil {
			if update.Snapshot.WalletID != update.WalletID {
				return fmt.Errorf("snapshot belongs to wallet %s, not %s", update.Snapshot.WalletID, update.WalletID)
			}
			if err := upsertSnapshot(ctx, s.db, tx, update.Snapshot); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
