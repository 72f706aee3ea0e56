package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/types"
)

// AddressRepository handles wallet address persistence
type AddressRepository struct {
	db *DB
}

// NewAddressRepository creates a new address repository
func NewAddressRepository(db *DB) *AddressRepository {
	return &AddressRepository{db: db}
}

const addressColumns = `id, wallet_id, address, class, derivation_index, is_current, created_at`

// GetCurrent returns the current address of a class, or ErrNotFound
func (r *AddressRepository) GetCurrent(ctx context.Context, walletID string, class types.AddressClass) (*models.AddressRecord, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT `+addressColumns+`
		FROM addresses
		WHERE wallet_id = ? AND class = ? AND is_current = ?
		ORDER BY id DESC
		LIMIT 1
	`), walletID, string(class), true)

	rec, err := scanAddress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current address: %w", err)
	}
	return rec, nil
}

// NextIndex returns the next unused derivation index of a class
func (r *AddressRepository) NextIndex(ctx context.Context, walletID string, class types.AddressClass) (uint32, error) {
	var maxIndex sql.NullInt64
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT MAX(derivation_index)
		FROM addresses
		WHERE wallet_id = ? AND class = ?
	`), walletID, string(class)).Scan(&maxIndex)
	if err != nil {
		return 0, fmt.Errorf("failed to get next derivation index: %w", err)
	}
	if !maxIndex.Valid {
		return 0, nil
	}
	return uint32(maxIndex.Int64 + 1), nil // #nosec G115 - indexes are below the hardened range
}

// InsertCurrent stores rec as the current address of its class. The
// previous current address of the class stays as a historical record.
func (r *AddressRepository) InsertCurrent(ctx context.Context, rec *models.AddressRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	return r.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE addresses SET is_current = ?
			WHERE wallet_id = ? AND class = ? AND is_current = ?
		`), false, rec.WalletID, string(rec.Class), true)
		if err != nil {
			return fmt.Errorf("failed to retire current address: %w", err)
		}

		var index any
		if rec.DerivationIndex != nil {
			index = int64(*rec.DerivationIndex)
		}

		err = tx.QueryRowContext(ctx, r.db.Rebind(`
			INSERT INTO addresses (wallet_id, address, class, derivation_index, is_current, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id
		`),
			rec.WalletID,
			rec.Address,
			string(rec.Class),
			index,
			true,
			rec.CreatedAt.Unix(),
		).Scan(&rec.ID)
		if err != nil {
			return fmt.Errorf("failed to insert address: %w", MapSQLError(err))
		}
		rec.IsCurrent = true
		return nil
	})
}

// List returns every address of a wallet, optionally of one class, oldest first
func (r *AddressRepository) List(ctx context.Context, walletID string, class *types.AddressClass) ([]*models.AddressRecord, error) {
	query := `SELECT ` + addressColumns + ` FROM addresses WHERE wallet_id = ?`
	args := []any{walletID}
	if class != nil {
		query += ` AND class = ?`
		args = append(args, string(*class))
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	defer rows.Close()

	var records []*models.AddressRecord
	for rows.Next() {
		rec, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate addresses: %w", err)
	}
	return records, nil
}

func scanAddress(row rowScanner) (*models.AddressRecord, error) {
	var (
		rec       models.AddressRecord
		class     string
		index     sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&rec.ID, &rec.WalletID, &rec.Address, &class, &index, &rec.IsCurrent, &createdAt)
	if err != nil {
		return nil, err
	}

	rec.Class = types.AddressClass(class)
	if index.Valid {
		i := uint32(index.Int64) // #nosec G115 - stored from a uint32
		rec.DerivationIndex = &i
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &rec, nil
}
