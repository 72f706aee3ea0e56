package service

import (
	"context"
	"errors"

	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/storage"
)

const maxTransactionPageSize = 500

// TransactionService serves ledger reads
type TransactionService struct {
	wallets      WalletRepository
	transactions TransactionRepository
}

// NewTransactionService creates a new transaction service
func NewTransactionService(wallets WalletRepository, transactions TransactionRepository) *TransactionService {
	return &TransactionService{wallets: wallets, transactions: transactions}
}

// ListTransactions returns ledger rows in ascending timestamp order
func (s *TransactionService) ListTransactions(ctx context.Context, walletID string, filter models.TransactionFilter) ([]*models.TransactionRecord, error) {
	if filter.Type != nil && !filter.Type.Valid() {
		return nil, apperrors.NewInvalidParameterError("type", "unknown transaction type")
	}
	if filter.Limit < 0 || filter.Limit > maxTransactionPageSize {
		return nil, apperrors.NewInvalidParameterError("limit", "must be between 0 and 500")
	}
	if filter.Offset < 0 {
		return nil, apperrors.NewInvalidParameterError("offset", "must not be negative")
	}
	if err := requireWallet(ctx, s.wallets, walletID); err != nil {
		return nil, err
	}

	records, err := s.transactions.List(ctx, walletID, filter)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list transactions", err)
	}
	if records == nil {
		records = []*models.TransactionRecord{}
	}
	return records, nil
}

// GetTransaction returns every row of a txid
func (s *TransactionService) GetTransaction(ctx context.Context, walletID, txid string) ([]*models.TransactionRecord, error) {
	if txid == "" {
		return nil, apperrors.NewInvalidParameterError("txid", "must not be empty")
	}
	if err := requireWallet(ctx, s.wallets, walletID); err != nil {
		return nil, err
	}

	records, err := s.transactions.GetByTxID(ctx, walletID, txid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NewTransactionNotFoundError(txid)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get transaction", err)
	}
	return records, nil
}
