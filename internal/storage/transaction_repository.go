package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/types"
)

// TransactionRepository reads the wallet ledger. Writes go through
// LedgerStore.
type TransactionRepository struct {
	db *DB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `id, wallet_id, txid, amount, timestamp, type, status, raw_tx`

// List returns ledger rows in ascending timestamp order
func (r *TransactionRepository) List(ctx context.Context, walletID string, filter models.TransactionFilter) ([]*models.TransactionRecord, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE wallet_id = ?`
	args := []any{walletID}

	if filter.Type != nil {
		query += ` AND type = ?`
		args = append(args, string(*filter.Type))
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	return r.query(ctx, query, args...)
}

// GetByTxID returns every row of a txid. A boarding deposit and its round
// settlement may share one.
func (r *TransactionRepository) GetByTxID(ctx context.Context, walletID, txid string) ([]*models.TransactionRecord, error) {
	records, err := r.query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE wallet_id = ? AND txid = ?
		ORDER BY id ASC
	`, walletID, txid)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

// ListPending returns pending rows of one type, oldest first
func (r *TransactionRepository) ListPending(ctx context.Context, walletID string, txType types.TransactionType) ([]*models.TransactionRecord, error) {
	return r.query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE wallet_id = ? AND type = ? AND status = ?
		ORDER BY timestamp ASC, id ASC
	`, walletID, string(txType), string(types.StatusPending))
}

// StatusIndex returns the status of every ledger row keyed by (txid, type)
func (r *TransactionRepository) StatusIndex(ctx context.Context, walletID string) (map[models.RecordKey]types.SettlementStatus, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT txid, type, status FROM transactions WHERE wallet_id = ?
	`), walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger index: %w", err)
	}
	defer rows.Close()

	index := make(map[models.RecordKey]types.SettlementStatus)
	for rows.Next() {
		var (
			txid, txType string
			status       sql.NullString
		)
		if err := rows.Scan(&txid, &txType, &status); err != nil {
			return nil, fmt.Errorf("failed to scan ledger index: %w", err)
		}
		index[models.RecordKey{TxID: txid, Type: types.TransactionType(txType)}] = types.SettlementStatus(status.String)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger index: %w", err)
	}
	return index, nil
}

// Count returns the number of ledger rows of a wallet
func (r *TransactionRepository) Count(ctx context.Context, walletID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM transactions WHERE wallet_id = ?`), walletID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

func (r *TransactionRepository) query(ctx context.Context, query string, args ...any) ([]*models.TransactionRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var records []*models.TransactionRecord
	for rows.Next() {
		var (
			rec    models.TransactionRecord
			txType string
			status sql.NullString
		)
		err := rows.Scan(&rec.ID, &rec.WalletID, &rec.TxID, &rec.Amount, &rec.Timestamp, &txType, &status, &rec.RawTx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		rec.Type = types.TransactionType(txType)
		rec.Status = types.SettlementStatus(status.String)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return records, nil
}

// statusValue maps a status to its column value. Cancelled is NULL.
func statusValue(s types.SettlementStatus) any {
	if s == types.StatusCancelled {
		return nil
	}
	return string(s)
}
