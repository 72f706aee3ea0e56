package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ark-custody/internal/models"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestDB opens a migrated sqlite database in a temp dir
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewSqliteDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.RunMigrations())
	return db
}

// createTestWallet stores a wallet with dummy key material
func createTestWallet(t *testing.T, db *DB, id string) *models.Wallet {
	t.Helper()

	now := time.Unix(1_700_000_000, 0).UTC()
	wallet := &models.Wallet{
		ID:             id,
		Name:           "wallet " + id,
		CreatedAt:      now,
		LastAccessedAt: now,
		Active:         true,
	}
	keys := &models.WalletKeyMaterial{
		WalletID:      id,
		EncryptedSeed: []byte("sealed"),
		PublicKey:     []byte{0x02, 0x01},
		CreatedAt:     now,
	}
	require.NoError(t, NewWalletRepository(db).Create(testContext(t), wallet, keys))
	return wallet
}
