package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/errgroup"

	"github.com/ark-custody/internal/adapter"
	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/types"
)

// SyncResult summarizes one reconciliation pass
type SyncResult struct {
	WalletID string                  `json:"walletId"`
	Inserted int                     `json:"inserted"`
	Updated  int                     `json:"updated"`
	Warnings []string                `json:"warnings,omitempty"`
	Snapshot *models.BalanceSnapshot `json:"snapshot"`
	SyncedAt time.Time               `json:"syncedAt"`
}

// SyncEngine reconciles the ledger with both remotes
type SyncEngine struct {
	wallets      WalletRepository
	transactions TransactionRepository
	ledger       Ledger
	indexer      adapter.OnchainIndexer
	aggregator   *BalanceAggregator
	locks        *WalletLocks
	clock        clock.Clock
}

// NewSyncEngine creates a new sync engine
func NewSyncEngine(
	wallets WalletRepository,
	transactions TransactionRepository,
	ledger Ledger,
	indexer adapter.OnchainIndexer,
	aggregator *BalanceAggregator,
	locks *WalletLocks,
	clk clock.Clock,
) *SyncEngine {
	return &SyncEngine{
		wallets:      wallets,
		transactions: transactions,
		ledger:       ledger,
		indexer:      indexer,
		aggregator:   aggregator,
		locks:        locks,
		clock:        clk,
	}
}

// SyncWallet pulls both remotes, diffs them against the ledger and applies
// the difference together with the recomputed snapshot. Running it twice
// with no new remote data writes nothing.
func (e *SyncEngine) SyncWallet(ctx context.Context, walletID string) (*SyncResult, error) {
	if err := requireWallet(ctx, e.wallets, walletID); err != nil {
		return nil, err
	}

	e.locks.Lock(walletID)
	defer e.locks.Unlock(walletID)

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "sync",
		"walletId":  walletID,
	})
	start := e.clock.Now()

	state, err := e.aggregator.collect(ctx, walletID)
	if err != nil {
		return nil, err
	}

	history, historyErr := e.chainHistory(ctx, state.addrs)

	onchainErr := state.onchainErr
	if onchainErr == nil {
		onchainErr = historyErr
	}
	if onchainErr != nil && state.offchainErr != nil {
		log.WithError(onchainErr).Warn("Sync failed, both remotes unavailable")
		return nil, onchainErr
	}

	index, err := e.transactions.StatusIndex(ctx, walletID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("load ledger index", err)
	}

	update := &models.LedgerUpdate{WalletID: walletID}
	result := &SyncResult{WalletID: walletID, Warnings: state.view.Warnings}

	if historyErr != nil && state.onchainErr == nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("on-chain history unavailable: %v", historyErr))
	}
	if onchainErr == nil {
		e.diff(update, index, e.classifyOnchain(walletID, state.addrs, history))
	}
	if state.offchainErr == nil {
		e.diff(update, index, e.classifyOffchain(walletID, state.vtxos, index))
	}
	update.Snapshot = state.snapshotForUpdate()

	applied, err := e.ledger.ApplyUpdate(ctx, update)
	if err != nil {
		return nil, apperrors.NewDatabaseError("apply sync update", err)
	}

	snap := state.view.Snapshot
	result.Inserted = applied.Inserted
	result.Updated = applied.Updated
	result.Snapshot = &snap
	result.SyncedAt = e.clock.Now().UTC()

	log.WithFields(map[string]interface{}{
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"warnings": len(result.Warnings),
		"duration": e.clock.Now().Sub(start).String(),
	}).Info("Wallet synced")

	return result, nil
}

// candidate is a ledger row as the remotes currently describe it
type candidate struct {
	record *models.TransactionRecord
	// swept marks an off-chain receive whose outputs were all reclaimed.
	// It only cancels an existing pending row and is never inserted.
	swept bool
}

// diff turns candidates into inserts and status updates against the
// ledger's current status index
func (e *SyncEngine) diff(update *models.LedgerUpdate, index map[models.RecordKey]types.SettlementStatus, candidates []candidate) {
	for _, c := range candidates {
		key := c.record.Key()
		current, exists := index[key]

		if !exists {
			if c.swept {
				continue
			}
			update.Inserts = append(update.Inserts, c.record)
			continue
		}

		next := c.record.Status
		if c.swept {
			next = types.StatusCancelled
		}
		if current.CanTransitionTo(next) {
			update.StatusUpdates = append(update.StatusUpdates, models.StatusUpdate{
				TxID:   key.TxID,
				Type:   key.Type,
				Status: next,
			})
		}
	}
}

// classifyOnchain maps indexer history to ledger rows using the net value
// of each transaction relative to the wallet
func (e *SyncEngine) classifyOnchain(walletID string, addrs *walletAddresses, history []models.ChainTx) []candidate {
	now := e.clock.Now().Unix()
	var out []candidate

	for _, tx := range history {
		var boarding, received, spent int64
		for _, o := range tx.Outputs {
			switch addrs.classOf(o.Address) {
			case types.AddressBoarding:
				boarding += o.Value
			case types.AddressOnchain:
				received += o.Value
			}
		}
		for _, in := range tx.Inputs {
			if addrs.classOf(in.Address) == types.AddressOnchain {
				spent += in.Value
			}
		}

		ts := tx.BlockTime
		if ts == 0 {
			ts = now
		}
		status := types.StatusPending
		if tx.Confirmed {
			status = types.StatusSettled
		}

		for _, txType := range types.AllTransactionTypes {
			var amount int64
			recStatus := status

			switch txType {
			case types.TxBoarding:
				// Only a committed round settles a boarding deposit
				amount, recStatus = boarding, types.StatusPending
			case types.TxOnchainReceive:
				if net := received - spent; net > 0 {
					amount = net
				}
			case types.TxOnchainSend:
				if net := received - spent; net < 0 {
					amount = net
				}
			case types.TxOffchainSend, types.TxOffchainReceive, types.TxExit:
				continue
			}
			if amount == 0 {
				continue
			}

			out = append(out, candidate{record: &models.TransactionRecord{
				WalletID:  walletID,
				TxID:      tx.TxID,
				Amount:    amount,
				Timestamp: ts,
				Type:      txType,
				Status:    recStatus,
			}})
		}
	}
	return out
}

// classifyOffchain maps virtual outputs to off-chain receive rows, one per
// txid. Outputs created by one of the wallet's own sends are change and
// settle that send instead.
func (e *SyncEngine) classifyOffchain(walletID string, vtxos []models.Output, index map[models.RecordKey]types.SettlementStatus) []candidate {
	now := e.clock.Now().Unix()

	type group struct {
		amount     int64
		createdAt  int64
		pending    bool
		live       bool
		anyVisible bool
	}
	groups := make(map[string]*group)
	var order []string

	for _, v := range vtxos {
		g, ok := groups[v.TxID]
		if !ok {
			g = &group{createdAt: v.CreatedAt}
			groups[v.TxID] = g
			order = append(order, v.TxID)
		}
		g.amount += v.Value
		if v.CreatedAt > 0 && (g.createdAt == 0 || v.CreatedAt < g.createdAt) {
			g.createdAt = v.CreatedAt
		}
		switch v.VtxoStatus {
		case types.VtxoPreconfirmed:
			g.pending, g.live = true, true
		case types.VtxoConfirmed, types.VtxoSpent:
			g.live = true
		}
		g.anyVisible = true
	}
	sort.Strings(order)

	var out []candidate
	for _, txid := range order {
		g := groups[txid]

		status := types.StatusSettled
		if g.pending {
			status = types.StatusPending
		}

		if _, isSend := index[models.RecordKey{TxID: txid, Type: types.TxOffchainSend}]; isSend {
			if g.live && !g.pending {
				out = append(out, candidate{record: &models.TransactionRecord{
					WalletID: walletID,
					TxID:     txid,
					Type:     types.TxOffchainSend,
					Status:   types.StatusSettled,
				}})
			}
			continue
		}

		ts := g.createdAt
		if ts == 0 {
			ts = now
		}
		out = append(out, candidate{
			record: &models.TransactionRecord{
				WalletID:  walletID,
				TxID:      txid,
				Amount:    g.amount,
				Timestamp: ts,
				Type:      types.TxOffchainReceive,
				Status:    status,
			},
			swept: g.anyVisible && !g.live,
		})
	}
	return out
}

// chainHistory returns the deduplicated history of every on-chain and
// boarding address
func (e *SyncEngine) chainHistory(ctx context.Context, addrs *walletAddresses) ([]models.ChainTx, error) {
	recs := make([]*models.AddressRecord, 0, len(addrs.onchain)+len(addrs.boarding))
	recs = append(recs, addrs.onchain...)
	recs = append(recs, addrs.boarding...)

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		all  []models.ChainTx
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxRemoteFanout)
	for _, rec := range recs {
		g.Go(func() error {
			txs, err := e.indexer.GetAddressTxs(gctx, rec.Address)
			if err != nil {
				return indexerError("get_address_txs", err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, tx := range txs {
				if _, dup := seen[tx.TxID]; dup {
					continue
				}
				seen[tx.TxID] = struct{}{}
				all = append(all, tx)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].TxID < all[j].TxID })
	return all, nil
}
