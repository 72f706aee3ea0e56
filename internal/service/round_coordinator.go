package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/ark-custody/internal/adapter"
	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/types"
)

const (
	// DefaultRoundTimeout bounds one round registration
	DefaultRoundTimeout = 30 * time.Second
	// DefaultRenewalThreshold is how close to expiry a confirmed virtual
	// output must be before it is refreshed through a round
	DefaultRenewalThreshold = 2 * time.Hour
)

// RoundCoordinator drives a wallet through settlement rounds
type RoundCoordinator struct {
	wallets          WalletRepository
	transactions     TransactionRepository
	ledger           Ledger
	coordinator      adapter.SettlementCoordinator
	aggregator       *BalanceAggregator
	locks            *WalletLocks
	clock            clock.Clock
	roundTimeout     time.Duration
	renewalThreshold time.Duration

	mu       sync.Mutex
	attempts map[string]*models.RoundAttempt
}

// NewRoundCoordinator creates a round coordinator. Zero durations take
// the defaults.
func NewRoundCoordinator(
	wallets WalletRepository,
	transactions TransactionRepository,
	ledger Ledger,
	coordinator adapter.SettlementCoordinator,
	aggregator *BalanceAggregator,
	locks *WalletLocks,
	clk clock.Clock,
	roundTimeout, renewalThreshold time.Duration,
) *RoundCoordinator {
	if roundTimeout <= 0 {
		roundTimeout = DefaultRoundTimeout
	}
	if renewalThreshold <= 0 {
		renewalThreshold = DefaultRenewalThreshold
	}
	return &RoundCoordinator{
		wallets:          wallets,
		transactions:     transactions,
		ledger:           ledger,
		coordinator:      coordinator,
		aggregator:       aggregator,
		locks:            locks,
		clock:            clk,
		roundTimeout:     roundTimeout,
		renewalThreshold: renewalThreshold,
		attempts:         make(map[string]*models.RoundAttempt),
	}
}

// Participate registers the wallet's eligible inputs in the next round.
// The returned attempt is set on failure too. A failed attempt writes
// nothing to the ledger.
func (r *RoundCoordinator) Participate(ctx context.Context, walletID string) (*models.RoundAttempt, error) {
	if err := requireWallet(ctx, r.wallets, walletID); err != nil {
		return nil, err
	}

	r.locks.Lock(walletID)
	defer r.locks.Unlock(walletID)

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "round",
		"walletId":  walletID,
	})

	attempt := &models.RoundAttempt{
		ID:        uuid.NewString(),
		WalletID:  walletID,
		State:     types.RoundIdle,
		StartedAt: r.clock.Now().UTC(),
	}
	r.store(attempt)

	inputs, err := r.eligibleInputs(ctx, walletID)
	if err != nil {
		return r.snapshot(attempt), err
	}
	if len(inputs) == 0 {
		return r.snapshot(attempt), apperrors.NewNoEligibleInputsError(walletID)
	}

	if err := r.transition(attempt, types.RoundRequested); err != nil {
		return r.snapshot(attempt), err
	}
	r.update(attempt, func(a *models.RoundAttempt) { a.Inputs = inputs })

	submitCtx, cancel := context.WithTimeout(ctx, r.roundTimeout)
	result, err := r.coordinator.SubmitRound(submitCtx, inputs)
	cancel()
	if err != nil {
		err = coordinatorError("submit_round", err)
		r.fail(attempt, err)
		log.WithError(err).Warn("Round registration failed")
		return r.snapshot(attempt), err
	}

	if err := r.transition(attempt, types.RoundAwaitingResponse); err != nil {
		return r.snapshot(attempt), err
	}
	r.update(attempt, func(a *models.RoundAttempt) { a.Result = result })

	if !result.Accepted {
		err := apperrors.NewCoordinatorRejectedError("submit_round", result.Reason, nil)
		r.fail(attempt, err)
		log.WithField("roundId", result.RoundID).WithError(err).Warn("Round rejected")
		return r.snapshot(attempt), err
	}

	if err := r.commit(ctx, walletID, inputs); err != nil {
		r.fail(attempt, err)
		return r.snapshot(attempt), err
	}
	if err := r.transition(attempt, types.RoundCommitted); err != nil {
		return r.snapshot(attempt), err
	}

	log.WithFields(map[string]interface{}{
		"roundId":    result.RoundID,
		"commitment": result.CommitmentTxID,
		"inputs":     len(inputs),
	}).Info("Round committed")

	return r.snapshot(attempt), nil
}

// GetAttempt returns the latest attempt of a wallet
func (r *RoundCoordinator) GetAttempt(ctx context.Context, walletID string) (*models.RoundAttempt, error) {
	if err := requireWallet(ctx, r.wallets, walletID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	attempt, ok := r.attempts[walletID]
	r.mu.Unlock()
	if !ok {
		return nil, apperrors.NewNotFoundError(apperrors.CodeRoundNotFound, "round attempt", walletID)
	}
	return r.snapshot(attempt), nil
}

// NeedsRenewal reports whether a live virtual output of the wallet expires
// within the renewal threshold
func (r *RoundCoordinator) NeedsRenewal(ctx context.Context, walletID string) (bool, error) {
	if err := requireWallet(ctx, r.wallets, walletID); err != nil {
		return false, err
	}
	addrs, err := loadWalletAddresses(ctx, r.aggregator.addresses, walletID)
	if err != nil {
		return false, err
	}
	vtxos, err := r.aggregator.collector.vtxos(ctx, addrs.offchain)
	if err != nil {
		return false, err
	}

	now := r.clock.Now()
	renewBefore := now.Add(r.renewalThreshold).Unix()
	for _, v := range vtxos {
		if v.Spendable() && !expired(v, now.Unix()) && nearExpiry(v, renewBefore) {
			return true, nil
		}
	}
	return false, nil
}

func nearExpiry(v models.Output, renewBefore int64) bool {
	return v.ExpiresAt > 0 && v.ExpiresAt <= renewBefore
}

// eligibleInputs returns confirmed boarding outputs plus live virtual
// outputs that are unanchored or close to expiry
func (r *RoundCoordinator) eligibleInputs(ctx context.Context, walletID string) ([]models.Output, error) {
	state, err := r.aggregator.collect(ctx, walletID)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	renewBefore := now.Add(r.renewalThreshold).Unix()

	var inputs []models.Output
	if state.onchainErr == nil {
		for _, b := range state.boarding {
			if b.Confirmed {
				inputs = append(inputs, b)
			}
		}
	}
	if state.offchainErr == nil {
		for _, v := range state.vtxos {
			if !v.Spendable() || expired(v, now.Unix()) {
				continue
			}
			if v.VtxoStatus == types.VtxoPreconfirmed || nearExpiry(v, renewBefore) {
				inputs = append(inputs, v)
			}
		}
	}

	if len(inputs) == 0 {
		// An unreachable remote may be hiding inputs
		if state.onchainErr != nil {
			return nil, state.onchainErr
		}
		if state.offchainErr != nil {
			return nil, state.offchainErr
		}
	}
	return inputs, nil
}

// commit settles the records of the round inputs and inserts boarding
// records sync has not seen yet, in one ledger update
func (r *RoundCoordinator) commit(ctx context.Context, walletID string, inputs []models.Output) error {
	index, err := r.transactions.StatusIndex(ctx, walletID)
	if err != nil {
		return apperrors.NewDatabaseError("load ledger index", err)
	}

	update := &models.LedgerUpdate{WalletID: walletID}
	now := r.clock.Now().Unix()

	boarding := make(map[string]int64)
	settled := make(map[models.RecordKey]struct{})
	for _, in := range inputs {
		key := models.RecordKey{TxID: in.TxID, Type: types.TxOffchainReceive}
		if in.Class == types.AddressBoarding {
			key.Type = types.TxBoarding
			boarding[in.TxID] += in.Value
		}
		if _, done := settled[key]; done {
			continue
		}
		settled[key] = struct{}{}

		if status, ok := index[key]; ok {
			if status.CanTransitionTo(types.StatusSettled) {
				update.StatusUpdates = append(update.StatusUpdates, models.StatusUpdate{
					TxID:   key.TxID,
					Type:   key.Type,
					Status: types.StatusSettled,
				})
			}
		}
	}

	txids := make([]string, 0, len(boarding))
	for txid := range boarding {
		txids = append(txids, txid)
	}
	sort.Strings(txids)
	for _, txid := range txids {
		if _, ok := index[models.RecordKey{TxID: txid, Type: types.TxBoarding}]; ok {
			continue
		}
		update.Inserts = append(update.Inserts, &models.TransactionRecord{
			WalletID:  walletID,
			TxID:      txid,
			Amount:    boarding[txid],
			Timestamp: now,
			Type:      types.TxBoarding,
			Status:    types.StatusSettled,
		})
	}

	state, err := r.aggregator.collect(ctx, walletID)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Snapshot recompute after round failed")
	} else {
		update.Snapshot = state.snapshotForUpdate()
	}

	if _, err := r.ledger.ApplyUpdate(ctx, update); err != nil {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"component": "round",
			"walletId":  walletID,
		}).ErrorWithErr("Round committed but the ledger write failed", err)
		return apperrors.NewStorageInconsistencyError("round committed but not recorded", err)
	}
	return nil
}

func (r *RoundCoordinator) transition(attempt *models.RoundAttempt, next types.RoundState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !attempt.State.CanTransitionTo(next) {
		return apperrors.NewInternalError(
			fmt.Sprintf("illegal round transition %s -> %s", attempt.State, next), nil,
		)
	}
	attempt.State = next
	if next.Terminal() {
		at := r.clock.Now().UTC()
		attempt.FinishedAt = &at
	}
	return nil
}

func (r *RoundCoordinator) fail(attempt *models.RoundAttempt, cause error) {
	if err := r.transition(attempt, types.RoundFailed); err != nil {
		return
	}
	r.update(attempt, func(a *models.RoundAttempt) { a.Error = cause.Error() })
}

func (r *RoundCoordinator) store(attempt *models.RoundAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[attempt.WalletID] = attempt
}

func (r *RoundCoordinator) update(attempt *models.RoundAttempt, fn func(*models.RoundAttempt)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(attempt)
}

// snapshot copies an attempt so callers never race the coordinator
func (r *RoundCoordinator) snapshot(attempt *models.RoundAttempt) *models.RoundAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *attempt
	cp.Inputs = append([]models.Output(nil), attempt.Inputs...)
	if attempt.Result != nil {
		res := *attempt.Result
		cp.Result = &res
	}
	return &cp
}
