package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ark-custody/internal/models"
)

// BalanceRepository reads the cached balance snapshot. Writes go through
// LedgerStore so they commit with the ledger rows they summarize.
type BalanceRepository struct {
	db *DB
}

// NewBalanceRepository creates a new balance repository
func NewBalanceRepository(db *DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// Get returns the snapshot of a wallet
func (r *BalanceRepository) Get(ctx context.Context, walletID string) (*models.BalanceSnapshot, error) {
	var (
		s         models.BalanceSnapshot
		updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT wallet_id, onchain_confirmed, onchain_pending,
		       offchain_confirmed, offchain_pending, updated_at
		FROM balance_snapshots
		WHERE wallet_id = ?
	`), walletID).Scan(
		&s.WalletID,
		&s.OnchainConfirmed,
		&s.OnchainPending,
		&s.OffchainConfirmed,
		&s.OffchainPending,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance snapshot: %w", err)
	}
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &s, nil
}

// upsertSnapshot replaces every counter of the snapshot
func upsertSnapshot(ctx context.Context, db *DB, q querier, s *models.BalanceSnapshot) error {
	_, err := q.ExecContext(ctx, db.Rebind(`
		INSERT INTO balance_snapshots (
			wallet_id, onchain_confirmed, onchain_pending,
			offchain_confirmed, offchain_pending, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (wallet_id) DO UPDATE SET
			onchain_confirmed = excluded.onchain_confirmed,
			onchain_pending = excluded.onchain_pending,
			offchain_confirmed = excluded.offchain_confirmed,
			offchain_pending = excluded.offchain_pending,
			updated_at = excluded.updated_at
	`),
		s.WalletID,
		s.OnchainConfirmed,
		s.OnchainPending,
		s.OffchainConfirmed,
		s.OffchainPending,
		s.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert balance snapshot: %w", MapSQLError(err))
	}
	return nil
}
