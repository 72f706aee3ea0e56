package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/types"
)

func TestTransactionService(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	id := h.newWallet(t)

	empty, err := h.transactions.ListTransactions(ctx, id, models.TransactionFilter{})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = h.ledger.ApplyUpdate(ctx, &models.LedgerUpdate{
		WalletID: id,
		Inserts: []*models.TransactionRecord{
			{WalletID: id, TxID: txid(1), Amount: 70_000, Timestamp: 30, Type: types.TxBoarding, Status: types.StatusPending},
			{WalletID: id, TxID: txid(2), Amount: 10_000, Timestamp: 10, Type: types.TxOnchainReceive, Status: types.StatusSettled},
			{WalletID: id, TxID: txid(3), Amount: -4_000, Timestamp: 20, Type: types.TxOffchainSend, Status: types.StatusPending},
		},
	})
	require.NoError(t, err)

	t.Run("ascending timestamps", func(t *testing.T) {
		recs, err := h.transactions.ListTransactions(ctx, id, models.TransactionFilter{})
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, []string{txid(2), txid(3), txid(1)}, []string{recs[0].TxID, recs[1].TxID, recs[2].TxID})
	})

	t.Run("type filter and paging", func(t *testing.T) {
		boarding := types.TxBoarding
		recs, err := h.transactions.ListTransactions(ctx, id, models.TransactionFilter{Type: &boarding})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, txid(1), recs[0].TxID)

		recs, err = h.transactions.ListTransactions(ctx, id, models.TransactionFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, txid(3), recs[0].TxID)
	})

	t.Run("invalid filters", func(t *testing.T) {
		bogus := types.TransactionType("redeem")
		for _, f := range []models.TransactionFilter{
			{Type: &bogus},
			{Limit: 501},
			{Limit: -1},
			{Offset: -1},
		} {
			_, err := h.transactions.ListTransactions(ctx, id, f)
			assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidParameter), "filter %+v", f)
		}
	})

	t.Run("get by txid", func(t *testing.T) {
		recs, err := h.transactions.GetTransaction(ctx, id, txid(3))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, int64(-4_000), recs[0].Amount)

		_, err = h.transactions.GetTransaction(ctx, id, txid(99))
		assert.True(t, apperrors.HasCode(err, apperrors.CodeTransactionNotFound))
	})

	t.Run("unknown wallet", func(t *testing.T) {
		_, err := h.transactions.ListTransactions(ctx, "missing", models.TransactionFilter{})
		assert.True(t, apperrors.HasCode(err, apperrors.CodeWalletNotFound))
	})
}
