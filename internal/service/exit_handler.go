package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/ark-custody/internal/adapter"
	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/storage"
	"github.com/ark-custody/internal/types"
)

const (
	criticalExpiryWindow = 1800 // seconds
	mediumExpiryWindow   = 3600
	stuckSendAge         = 3600

	exitBaseCost         = 2000
	unresponsiveExitCost = 10000
	allOutputs           = "all"
)

// ExitResult describes one unilateral exit
type ExitResult struct {
	VtxoTxID string `json:"vtxoTxid"`
	ExitTxID string `json:"exitTxid"`
	Amount   int64  `json:"amount"`
}

// ExitFailure is an output EmergencyExitAll could not exit
type ExitFailure struct {
	VtxoTxID string              `json:"vtxoTxid"`
	Error    *types.ServiceError `json:"error"`
}

// EmergencyExitResult collects the outcome of EmergencyExitAll
type EmergencyExitResult struct {
	Exited []ExitResult  `json:"exited"`
	Failed []ExitFailure `json:"failed,omitempty"`
}

// ExitHandler forces virtual outputs back on chain without the
// coordinator's cooperation
type ExitHandler struct {
	wallets      WalletRepository
	transactions TransactionRepository
	ledger       Ledger
	indexer      adapter.OnchainIndexer
	coordinator  adapter.SettlementCoordinator
	info         *CoordinatorInfoCache
	aggregator   *BalanceAggregator
	locks        *WalletLocks
	clock        clock.Clock
}

// NewExitHandler creates a new exit handler
func NewExitHandler(
	wallets WalletRepository,
	transactions TransactionRepository,
	ledger Ledger,
	indexer adapter.OnchainIndexer,
	coordinator adapter.SettlementCoordinator,
	info *CoordinatorInfoCache,
	aggregator *BalanceAggregator,
	locks *WalletLocks,
	clk clock.Clock,
) *ExitHandler {
	return &ExitHandler{
		wallets:      wallets,
		transactions: transactions,
		ledger:       ledger,
		indexer:      indexer,
		coordinator:  coordinator,
		info:         info,
		aggregator:   aggregator,
		locks:        locks,
		clock:        clk,
	}
}

// Exit unrolls the virtual output created by vtxoTxid. The timelock is
// checked locally before anything is submitted.
func (h *ExitHandler) Exit(ctx context.Context, walletID, vtxoTxid string) (*ExitResult, error) {
	if vtxoTxid == "" {
		return nil, apperrors.NewInvalidParameterError("vtxoTxid", "must not be empty")
	}
	if err := requireWallet(ctx, h.wallets, walletID); err != nil {
		return nil, err
	}

	h.locks.Lock(walletID)
	defer h.locks.Unlock(walletID)

	vtxos, err := h.walletVtxos(ctx, walletID)
	if err != nil {
		return nil, err
	}

	var (
		target *models.Output
		found  bool
	)
	for i := range vtxos {
		if vtxos[i].TxID != vtxoTxid {
			continue
		}
		found = true
		if vtxos[i].Spendable() {
			target = &vtxos[i]
			break
		}
	}
	if !found {
		return nil, apperrors.NewOutputNotFoundError(vtxoTxid)
	}
	if target == nil {
		return nil, apperrors.NewAlreadySettledError(vtxoTxid, "output is spent or swept")
	}

	tip, err := h.indexer.GetTipHeight(ctx)
	if err != nil {
		return nil, indexerError("get_tip_height", err)
	}
	return h.exitOutput(ctx, walletID, *target, tip)
}

// ExitRecommendations lists outputs worth exiting now. It never fails
// on an unreachable coordinator; that is itself a recommendation.
func (h *ExitHandler) ExitRecommendations(ctx context.Context, walletID string) ([]models.ExitRecommendation, error) {
	if err := requireWallet(ctx, h.wallets, walletID); err != nil {
		return nil, err
	}

	vtxos, err := h.walletVtxos(ctx, walletID)
	if err != nil {
		if !apperrors.Is(err, apperrors.KindRemoteUnavailable) {
			return nil, err
		}
		return []models.ExitRecommendation{{
			VtxoTxID:      allOutputs,
			Reason:        types.ExitReasonServerUnresponsive,
			Urgency:       types.UrgencyHigh,
			EstimatedCost: unresponsiveExitCost,
		}}, nil
	}

	now := h.clock.Now().Unix()
	var recs []models.ExitRecommendation

	for _, v := range vtxos {
		if !v.Spendable() || v.ExpiresAt <= 0 {
			continue
		}
		left := v.ExpiresAt - now
		var urgency types.ExitUrgency
		switch {
		case left <= criticalExpiryWindow:
			urgency = types.UrgencyCritical
		case left <= mediumExpiryWindow:
			urgency = types.UrgencyMedium
		default:
			continue
		}
		recs = append(recs, models.ExitRecommendation{
			VtxoTxID:      v.TxID,
			Reason:        types.ExitReasonNearExpiry,
			Urgency:       urgency,
			SecondsLeft:   max(left, 0),
			EstimatedCost: exitCost(v.Value),
		})
	}

	pending, err := h.transactions.ListPending(ctx, walletID, types.TxOffchainSend)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list pending sends", err)
	}
	for _, p := range pending {
		if now-p.Timestamp <= stuckSendAge {
			continue
		}
		recs = append(recs, models.ExitRecommendation{
			VtxoTxID:      p.TxID,
			Reason:        types.ExitReasonStuckTransaction,
			Urgency:       types.UrgencyMedium,
			EstimatedCost: exitCost(-p.Amount),
		})
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return urgencyRank(recs[i].Urgency) > urgencyRank(recs[j].Urgency)
	})
	return recs, nil
}

// EmergencyExitAll tries to exit every anchored virtual output. Failures
// are collected, not returned.
func (h *ExitHandler) EmergencyExitAll(ctx context.Context, walletID string) (*EmergencyExitResult, error) {
	if err := requireWallet(ctx, h.wallets, walletID); err != nil {
		return nil, err
	}

	h.locks.Lock(walletID)
	defer h.locks.Unlock(walletID)

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "exit",
		"walletId":  walletID,
	})

	vtxos, err := h.walletVtxos(ctx, walletID)
	if err != nil {
		return nil, err
	}
	tip, err := h.indexer.GetTipHeight(ctx)
	if err != nil {
		return nil, indexerError("get_tip_height", err)
	}

	result := &EmergencyExitResult{Exited: []ExitResult{}}
	for _, v := range vtxos {
		if !v.Spendable() || v.VtxoStatus != types.VtxoConfirmed {
			continue
		}
		res, err := h.exitOutput(ctx, walletID, v, tip)
		if err != nil {
			log.WithField("txid", v.TxID).WithError(err).Warn("Emergency exit failed")
			result.Failed = append(result.Failed, ExitFailure{
				VtxoTxID: v.TxID,
				Error:    apperrors.Categorize(err).ToServiceError(),
			})
			continue
		}
		result.Exited = append(result.Exited, *res)
	}

	log.WithFields(map[string]interface{}{
		"exited": len(result.Exited),
		"failed": len(result.Failed),
	}).Info("Emergency exit finished")
	return result, nil
}

// exitOutput runs the checks and the exit of one output. Callers hold the
// wallet lock.
func (h *ExitHandler) exitOutput(ctx context.Context, walletID string, vtxo models.Output, tip int64) (*ExitResult, error) {
	existing, err := h.transactions.GetByTxID(ctx, walletID, vtxo.TxID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NewDatabaseError("lookup exit record", err)
	}
	for _, rec := range existing {
		if rec.Type == types.TxExit {
			return nil, apperrors.NewAlreadySettledError(vtxo.TxID, "output was already exited")
		}
	}

	if vtxo.VtxoStatus == types.VtxoPreconfirmed {
		return nil, apperrors.NewInvalidParameterError("vtxoTxid", "output is not anchored in a round yet")
	}

	delay := vtxo.ExitDelayBlocks
	if delay == 0 {
		info, err := h.info.Get(ctx)
		if err != nil {
			return nil, err
		}
		delay = info.ExitDelayBlocks
	}
	// Without a confirmation height the timelock cannot be proven expired
	if vtxo.BlockHeight <= 0 {
		return nil, apperrors.NewTimelockNotExpiredError(vtxo.TxID, delay).
			WithDetail("heightUnknown", true)
	}
	if remaining := vtxo.BlockHeight + delay - tip; remaining > 0 {
		return nil, apperrors.NewTimelockNotExpiredError(vtxo.TxID, remaining)
	}

	exitTxID, err := h.coordinator.SubmitExit(ctx, vtxo)
	if err != nil {
		return nil, coordinatorError("submit_exit", err)
	}

	update := &models.LedgerUpdate{
		WalletID: walletID,
		Inserts: []*models.TransactionRecord{{
			WalletID:  walletID,
			TxID:      vtxo.TxID,
			Amount:    -vtxo.Value,
			Timestamp: h.clock.Now().Unix(),
			Type:      types.TxExit,
			Status:    types.StatusSettled,
		}},
	}
	state, err := h.aggregator.collect(ctx, walletID)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Snapshot recompute after exit failed")
	} else {
		update.Snapshot = state.snapshotForUpdate()
	}

	if _, err := h.ledger.ApplyUpdate(ctx, update); err != nil {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"component": "exit",
			"walletId":  walletID,
			"txid":      vtxo.TxID,
		}).ErrorWithErr("Exit submitted but the ledger write failed", err)
		return nil, apperrors.NewStorageInconsistencyError(
			fmt.Sprintf("exit of %s was submitted but not recorded", vtxo.TxID), err,
		)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "exit",
		"walletId":  walletID,
		"txid":      vtxo.TxID,
		"exitTxid":  exitTxID,
	}).Info("Unilateral exit submitted")

	return &ExitResult{VtxoTxID: vtxo.TxID, ExitTxID: exitTxID, Amount: vtxo.Value}, nil
}

func (h *ExitHandler) walletVtxos(ctx context.Context, walletID string) ([]models.Output, error) {
	addrs, err := loadWalletAddresses(ctx, h.aggregator.addresses, walletID)
	if err != nil {
		return nil, err
	}
	return h.aggregator.collector.vtxos(ctx, addrs.offchain)
}

func exitCost(amount int64) int64 {
	return exitBaseCost + amount/1000
}

func urgencyRank(u types.ExitUrgency) int {
	switch u {
	case types.UrgencyCritical:
		return 3
	case types.UrgencyHigh:
		return 2
	case types.UrgencyMedium:
		return 1
	}
	return 0
}
