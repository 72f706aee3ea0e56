package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ark-custody/internal/models"
)

// WalletRepository handles wallet identity and key material persistence
type WalletRepository struct {
	db *DB
}

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(db *DB) *WalletRepository {
	return &WalletRepository{db: db}
}

// Create stores a wallet, its sealed key material and a zero balance
// snapshot in one transaction.
func (r *WalletRepository) Create(ctx context.Context, wallet *models.Wallet, keys *models.WalletKeyMaterial) error {
	return r.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO wallets (id, name, created_at, last_accessed_at, active)
			VALUES (?, ?, ?, ?, ?)
		`),
			wallet.ID,
			wallet.Name,
			wallet.CreatedAt.Unix(),
			wallet.LastAccessedAt.Unix(),
			wallet.Active,
		)
		if err != nil {
			return fmt.Errorf("failed to create wallet: %w", MapSQLError(err))
		}

		_, err = tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO wallet_keys (wallet_id, encrypted_seed, public_key, created_at)
			VALUES (?, ?, ?, ?)
		`),
			keys.WalletID,
			keys.EncryptedSeed,
			keys.PublicKey,
			keys.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to store key material: %w", MapSQLError(err))
		}

		snapshot := &models.BalanceSnapshot{WalletID: wallet.ID, UpdatedAt: wallet.CreatedAt}
		if err := upsertSnapshot(ctx, r.db, tx, snapshot); err != nil {
			return err
		}
		return nil
	})
}

// Get retrieves a wallet by id
func (r *WalletRepository) Get(ctx context.Context, id string) (*models.Wallet, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, name, created_at, last_accessed_at, active
		FROM wallets
		WHERE id = ?
	`), id)

	wallet, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return wallet, nil
}

// Exists reports whether a wallet id is known
func (r *WalletRepository) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM wallets WHERE id = ?`), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check wallet: %w", err)
	}
	return n > 0, nil
}

// List returns wallets ordered by creation time
func (r *WalletRepository) List(ctx context.Context, activeOnly bool) ([]*models.Wallet, error) {
	query := `SELECT id, name, created_at, last_accessed_at, active FROM wallets`
	var args []any
	if activeOnly {
		query += ` WHERE active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*models.Wallet
	for rows.Next() {
		wallet, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, wallet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate wallets: %w", err)
	}
	return wallets, nil
}

// Touch updates last_accessed_at
func (r *WalletRepository) Touch(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, `UPDATE wallets SET last_accessed_at = ? WHERE id = ?`, at.Unix(), id)
}

// SetActive flips the active flag
func (r *WalletRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.exec(ctx, `UPDATE wallets SET active = ? WHERE id = ?`, active, id)
}

func (r *WalletRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetKeyMaterial returns the sealed seed and public key of a wallet
func (r *WalletRepository) GetKeyMaterial(ctx context.Context, walletID string) (*models.WalletKeyMaterial, error) {
	var (
		keys      models.WalletKeyMaterial
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT wallet_id, encrypted_seed, public_key, created_at
		FROM wallet_keys
		WHERE wallet_id = ?
	`), walletID).Scan(&keys.WalletID, &keys.EncryptedSeed, &keys.PublicKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key material: %w", err)
	}
	keys.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &keys, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*models.Wallet, error) {
	var (
		w                     models.Wallet
		createdAt, accessedAt int64
	)
	if err := row.Scan(&w.ID, &w.Name, &createdAt, &accessedAt, &w.Active); err != nil {
		return nil, err
	}
	w.CreatedAt = time.Unix(createdAt, 0).UTC()
	w.LastAccessedAt = time.Unix(accessedAt, 0).UTC()
	return &w, nil
}
