package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/errgroup"

	"github.com/ark-custody/internal/adapter"
	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/storage"
	"github.com/ark-custody/internal/types"
)

// BalanceAggregator merges the on-chain and off-chain views of a wallet
// into one snapshot. It is the only writer of the snapshot.
type BalanceAggregator struct {
	wallets   WalletRepository
	addresses AddressRepository
	balances  BalanceRepository
	ledger    Ledger
	collector *outputCollector
	locks     *WalletLocks
	clock     clock.Clock
}

// NewBalanceAggregator creates a new balance aggregator
func NewBalanceAggregator(
	wallets WalletRepository,
	addresses AddressRepository,
	balances BalanceRepository,
	ledger Ledger,
	indexer adapter.OnchainIndexer,
	coordinator adapter.SettlementCoordinator,
	locks *WalletLocks,
	clk clock.Clock,
) *BalanceAggregator {
	return &BalanceAggregator{
		wallets:   wallets,
		addresses: addresses,
		balances:  balances,
		ledger:    ledger,
		collector: &outputCollector{indexer: indexer, coordinator: coordinator},
		locks:     locks,
		clock:     clk,
	}
}

// walletState is everything the remotes said about a wallet in one pass
type walletState struct {
	addrs    *walletAddresses
	onchain  []models.Output // on-chain class UTXOs
	boarding []models.Output // boarding UTXOs
	vtxos    []models.Output

	onchainErr  error
	offchainErr error

	view     *models.BalanceView
	previous *models.BalanceSnapshot
}

// changed reports whether the computed snapshot differs from the
// persisted one
func (s *walletState) changed() bool {
	cur, prev := &s.view.Snapshot, s.previous
	return cur.OnchainConfirmed != prev.OnchainConfirmed ||
		cur.OnchainPending != prev.OnchainPending ||
		cur.OffchainConfirmed != prev.OffchainConfirmed ||
		cur.OffchainPending != prev.OffchainPending
}

// snapshotForUpdate returns the snapshot to write alongside other ledger
// writes, nil when nothing is known or nothing moved
func (s *walletState) snapshotForUpdate() *models.BalanceSnapshot {
	if s.view.OnchainStale && s.view.OffchainStale {
		return nil
	}
	if !s.changed() {
		return nil
	}
	snap := s.view.Snapshot
	return &snap
}

// RecomputeBalance queries both remotes and replaces the snapshot. A side
// whose remote failed keeps its persisted counters and is flagged stale.
func (a *BalanceAggregator) RecomputeBalance(ctx context.Context, walletID string) (*models.BalanceView, error) {
	if err := requireWallet(ctx, a.wallets, walletID); err != nil {
		return nil, err
	}

	a.locks.Lock(walletID)
	defer a.locks.Unlock(walletID)

	state, err := a.collect(ctx, walletID)
	if err != nil {
		return nil, err
	}

	if snap := state.snapshotForUpdate(); snap != nil {
		update := &models.LedgerUpdate{WalletID: walletID, Snapshot: snap}
		if _, err := a.ledger.ApplyUpdate(ctx, update); err != nil {
			return nil, apperrors.NewDatabaseError("write balance snapshot", err)
		}
	}
	return state.view, nil
}

// GetAvailableBalance returns the confirmed spendable subtotal of the
// persisted snapshot. Boarding outputs never count.
func (a *BalanceAggregator) GetAvailableBalance(ctx context.Context, walletID string) (int64, error) {
	snap, err := a.GetSnapshot(ctx, walletID)
	if err != nil {
		return 0, err
	}
	return snap.Available(), nil
}

// GetSnapshot returns the persisted snapshot without touching the remotes
func (a *BalanceAggregator) GetSnapshot(ctx context.Context, walletID string) (*models.BalanceSnapshot, error) {
	snap, err := a.balances.Get(ctx, walletID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NewWalletNotFoundError(walletID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get balance snapshot", err)
	}
	return snap, nil
}

// collect fetches both sides in parallel and computes the snapshot.
// Callers must hold the wallet lock.
func (a *BalanceAggregator) collect(ctx context.Context, walletID string) (*walletState, error) {
	addrs, err := loadWalletAddresses(ctx, a.addresses, walletID)
	if err != nil {
		return nil, err
	}
	previous, err := a.GetSnapshot(ctx, walletID)
	if err != nil {
		return nil, err
	}

	state := &walletState{addrs: addrs, previous: previous}

	// Each side records its own error; one failing must not cancel the other
	var g errgroup.Group
	g.Go(func() error {
		onchain, err := a.collector.utxos(ctx, addrs.onchain)
		if err != nil {
			state.onchainErr = err
			return nil
		}
		boarding, err := a.collector.utxos(ctx, addrs.boarding)
		if err != nil {
			state.onchainErr = err
			return nil
		}
		state.onchain, state.boarding = onchain, boarding
		return nil
	})
	g.Go(func() error {
		vtxos, err := a.collector.vtxos(ctx, addrs.offchain)
		if err != nil {
			state.offchainErr = err
			return nil
		}
		state.vtxos = vtxos
		return nil
	})
	_ = g.Wait()

	state.view = a.compute(state)

	if state.onchainErr != nil || state.offchainErr != nil {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"component":     "balance",
			"walletId":      walletID,
			"onchainStale":  state.view.OnchainStale,
			"offchainStale": state.view.OffchainStale,
		}).Warn("Balance computed with stale side")
	}
	return state, nil
}

// compute partitions the fetched outputs into the four counters
func (a *BalanceAggregator) compute(state *walletState) *models.BalanceView {
	now := a.clock.Now()
	prev := state.previous

	view := &models.BalanceView{
		Snapshot: models.BalanceSnapshot{
			WalletID:  prev.WalletID,
			UpdatedAt: now.UTC(),
		},
	}
	snap := &view.Snapshot

	if state.onchainErr != nil {
		view.OnchainStale = true
		view.Warnings = append(view.Warnings, fmt.Sprintf("on-chain balance is stale: %v", state.onchainErr))
		snap.OnchainConfirmed = prev.OnchainConfirmed
		snap.OnchainPending = prev.OnchainPending
	} else {
		for _, o := range state.onchain {
			if o.Confirmed {
				snap.OnchainConfirmed += o.Value
			} else {
				snap.OnchainPending += o.Value
			}
		}
	}

	if state.offchainErr != nil {
		view.OffchainStale = true
		view.Warnings = append(view.Warnings, fmt.Sprintf("off-chain balance is stale: %v", state.offchainErr))
	}

	switch {
	case state.onchainErr != nil && state.offchainErr != nil:
		// Nothing fresh on either side
		snap.OffchainConfirmed = prev.OffchainConfirmed
		snap.OffchainPending = prev.OffchainPending
		snap.UpdatedAt = prev.UpdatedAt

	case state.offchainErr != nil:
		// The boarding share of offchain_pending is fresh but the VTXO
		// share is not; keep the persisted off-chain counters whole
		snap.OffchainConfirmed = prev.OffchainConfirmed
		snap.OffchainPending = prev.OffchainPending

	default:
		for _, v := range state.vtxos {
			if !v.Spendable() || expired(v, now.Unix()) {
				continue
			}
			if v.VtxoStatus == types.VtxoConfirmed {
				snap.OffchainConfirmed += v.Value
			} else {
				snap.OffchainPending += v.Value
			}
		}
		if state.onchainErr != nil {
			// Boarding outputs are unknown, carry their persisted share
			// through the pending counter
			snap.OffchainPending = prev.OffchainPending
		} else {
			for _, b := range state.boarding {
				snap.OffchainPending += b.Value
			}
		}
	}

	return view
}

func expired(o models.Output, now int64) bool {
	return o.ExpiresAt > 0 && o.ExpiresAt <= now
}
