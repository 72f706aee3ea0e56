package service

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/ark-custody/internal/adapter"
	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/keychain"
	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/types"
)

// SendResult describes a payment that left the wallet
type SendResult struct {
	TxID     string                `json:"txid"`
	Amount   int64                 `json:"amount"`
	Fee      int64                 `json:"fee"`
	Change   int64                 `json:"change"`
	FeeRate  float64               `json:"feeRate,omitempty"`
	Warnings []*types.ServiceError `json:"warnings,omitempty"`
}

// SendOrchestrator runs on-chain and off-chain payments
type SendOrchestrator struct {
	wallets     WalletRepository
	txs         TransactionRepository
	ledger      Ledger
	indexer     adapter.OnchainIndexer
	coordinator adapter.SettlementCoordinator
	aggregator  *BalanceAggregator
	addressMgr  *AddressManager
	fees        *FeeEstimator
	selector    CoinSelector
	signer      Signer
	params      *chaincfg.Params
	network     types.Network
	locks       *WalletLocks
	clock       clock.Clock
}

// SendOrchestratorDeps groups the collaborators of a SendOrchestrator
type SendOrchestratorDeps struct {
	Wallets     WalletRepository
	// Transactions lets on-chain sends skip outputs already spent by the
	// wallet's own unconfirmed sends
	Transactions TransactionRepository
	Ledger      Ledger
	Indexer     adapter.OnchainIndexer
	Coordinator adapter.SettlementCoordinator
	Aggregator  *BalanceAggregator
	AddressMgr  *AddressManager
	Fees        *FeeEstimator
	Selector    CoinSelector
	Signer      Signer
	Params      *chaincfg.Params
	Network     types.Network
	Locks       *WalletLocks
	Clock       clock.Clock
}

// NewSendOrchestrator creates a new send orchestrator. A nil selector
// means largest-first.
func NewSendOrchestrator(deps SendOrchestratorDeps) *SendOrchestrator {
	selector := deps.Selector
	if selector == nil {
		selector = LargestFirst{}
	}
	return &SendOrchestrator{
		wallets:     deps.Wallets,
		txs:         deps.Transactions,
		ledger:      deps.Ledger,
		indexer:     deps.Indexer,
		coordinator: deps.Coordinator,
		aggregator:  deps.Aggregator,
		addressMgr:  deps.AddressMgr,
		fees:        deps.Fees,
		selector:    selector,
		signer:      deps.Signer,
		params:      deps.Params,
		network:     deps.Network,
		locks:       deps.Locks,
		clock:       deps.Clock,
	}
}

// SendOnchain pays dest from the wallet's confirmed on-chain outputs.
// Nothing is recorded unless the broadcast succeeds.
func (s *SendOrchestrator) SendOnchain(ctx context.Context, walletID, dest string, amount int64, priority types.Priority) (*SendResult, error) {
	destScript, err := s.validateOnchain(dest, amount)
	if err != nil {
		return nil, err
	}
	if err := requireWallet(ctx, s.wallets, walletID); err != nil {
		return nil, err
	}

	s.locks.Lock(walletID)
	defer s.locks.Unlock(walletID)

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "send",
		"walletId":  walletID,
		"amount":    amount,
		"priority":  string(priority),
	})

	rate := s.fees.Rate(ctx, priority)

	addrs, err := loadWalletAddresses(ctx, s.aggregator.addresses, walletID)
	if err != nil {
		return nil, err
	}
	utxos, err := s.aggregator.collector.utxos(ctx, addrs.onchain)
	if err != nil {
		return nil, err
	}
	if utxos, err = s.withoutPendingSpends(ctx, walletID, utxos); err != nil {
		return nil, err
	}

	sel, err := s.selector.Select(utxos, wire.NewTxOut(amount, destScript), func(vsize int) int64 {
		return s.fees.FeeFor(rate.SatPerVB, vsize)
	})
	if err != nil {
		return nil, err
	}

	var changeScript []byte
	if sel.Change > 0 {
		changeAddr, err := s.addressMgr.currentAddress(ctx, walletID, types.AddressOnchain)
		if err != nil {
			return nil, err
		}
		if changeScript, err = s.scriptFor(changeAddr.Address); err != nil {
			return nil, apperrors.NewInternalError("invalid change address", err)
		}
	}

	raw, localTxID, err := s.buildAndSign(ctx, walletID, addrs, sel, destScript, changeScript)
	if err != nil {
		return nil, err
	}

	txid, err := s.indexer.Broadcast(ctx, raw)
	if err != nil {
		if !apperrors.HasCode(err, apperrors.CodeBroadcastFailed) {
			err = apperrors.NewBroadcastFailedError(err)
		}
		log.WithError(err).Warn("Broadcast failed")
		return nil, err
	}
	if txid == "" {
		txid = localTxID
	}

	result := &SendResult{
		TxID:    txid,
		Amount:  amount,
		Fee:     sel.Fee,
		Change:  sel.Change,
		FeeRate: rate.SatPerVB,
	}
	if rate.Warning != nil {
		result.Warnings = append(result.Warnings, rate.Warning.ToServiceError())
	}

	rec := &models.TransactionRecord{
		WalletID:  walletID,
		TxID:      txid,
		Amount:    -(amount + sel.Fee),
		Timestamp: s.clock.Now().Unix(),
		Type:      types.TxOnchainSend,
		Status:    types.StatusPending,
		RawTx:     raw,
	}
	if err := s.record(ctx, walletID, rec); err != nil {
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"txid":   txid,
		"fee":    sel.Fee,
		"inputs": len(sel.Inputs),
	}).Info("On-chain send broadcast")

	return result, nil
}

// SendOffchain pays an Ark address from confirmed virtual outputs
func (s *SendOrchestrator) SendOffchain(ctx context.Context, walletID, dest string, amount int64) (*SendResult, error) {
	if err := keychain.ValidateArkAddress(dest, s.network); err != nil {
		return nil, apperrors.NewInvalidDestinationError(dest, err)
	}
	if amount <= 0 {
		return nil, apperrors.NewInvalidAmountError(amount, "must be positive")
	}
	if err := requireWallet(ctx, s.wallets, walletID); err != nil {
		return nil, err
	}

	s.locks.Lock(walletID)
	defer s.locks.Unlock(walletID)

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "send",
		"walletId":  walletID,
		"amount":    amount,
	})

	addrs, err := loadWalletAddresses(ctx, s.aggregator.addresses, walletID)
	if err != nil {
		return nil, err
	}
	vtxos, err := s.aggregator.collector.vtxos(ctx, addrs.offchain)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().Unix()
	fresh := make([]models.Output, 0, len(vtxos))
	var available int64
	for _, v := range vtxos {
		if v.VtxoStatus != types.VtxoConfirmed || expired(v, now) {
			continue
		}
		fresh = append(fresh, v)
		available += v.Value
	}
	if available < amount {
		return nil, apperrors.NewInsufficientFundsError(amount, available)
	}

	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].Value > fresh[j].Value })
	var (
		inputs []models.Output
		total  int64
	)
	for _, v := range fresh {
		inputs = append(inputs, v)
		total += v.Value
		if total >= amount {
			break
		}
	}

	req := &models.OffchainSendRequest{
		Inputs:      inputs,
		Destination: dest,
		Amount:      amount,
	}
	if total > amount {
		changeAddr, err := s.addressMgr.currentAddress(ctx, walletID, types.AddressOffchain)
		if err != nil {
			return nil, err
		}
		req.ChangeAddress = changeAddr.Address
	}

	txid, err := s.coordinator.SendOffchain(ctx, req)
	if err != nil {
		err = coordinatorError("send_offchain", err)
		log.WithError(err).Warn("Off-chain send failed")
		return nil, err
	}

	rec := &models.TransactionRecord{
		WalletID:  walletID,
		TxID:      txid,
		Amount:    -amount,
		Timestamp: now,
		Type:      types.TxOffchainSend,
		Status:    types.StatusPending,
	}
	if err := s.record(ctx, walletID, rec); err != nil {
		return nil, err
	}

	log.WithField("txid", txid).Info("Off-chain send submitted")

	return &SendResult{TxID: txid, Amount: amount, Change: total - amount}, nil
}

// record writes a send together with a fresh snapshot. Failure here means
// the funds already left, so it surfaces as a storage inconsistency.
func (s *SendOrchestrator) record(ctx context.Context, walletID string, rec *models.TransactionRecord) error {
	update := &models.LedgerUpdate{
		WalletID: walletID,
		Inserts:  []*models.TransactionRecord{rec},
	}

	state, err := s.aggregator.collect(ctx, walletID)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Snapshot recompute after send failed")
	} else {
		update.Snapshot = state.snapshotForUpdate()
	}

	if _, err := s.ledger.ApplyUpdate(ctx, update); err != nil {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"component": "send",
			"walletId":  walletID,
			"txid":      rec.TxID,
			"type":      string(rec.Type),
		}).ErrorWithErr("Payment left the wallet but the ledger write failed", err)
		return apperrors.NewStorageInconsistencyError(
			fmt.Sprintf("transaction %s was sent but not recorded", rec.TxID), err,
		)
	}
	return nil
}

// withoutPendingSpends drops outputs consumed by the wallet's pending
// on-chain sends. The indexer keeps reporting them until the spend is
// mined, so selecting them again would double spend.
func (s *SendOrchestrator) withoutPendingSpends(ctx context.Context, walletID string, utxos []models.Output) ([]models.Output, error) {
	if s.txs == nil {
		return utxos, nil
	}
	pending, err := s.txs.ListPending(ctx, walletID, types.TxOnchainSend)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list pending sends", err)
	}
	if len(pending) == 0 {
		return utxos, nil
	}

	spent := make(map[wire.OutPoint]struct{})
	for _, rec := range pending {
		if len(rec.RawTx) == 0 {
			continue
		}
		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(rec.RawTx)); err != nil {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"walletId": walletID,
				"txid":     rec.TxID,
			}).Warn("Stored raw transaction does not decode")
			continue
		}
		for _, in := range tx.TxIn {
			spent[in.PreviousOutPoint] = struct{}{}
		}
	}

	free := utxos[:0:0]
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err == nil {
			if _, ok := spent[*wire.NewOutPoint(hash, u.Vout)]; ok {
				continue
			}
		}
		free = append(free, u)
	}
	return free, nil
}

func (s *SendOrchestrator) validateOnchain(dest string, amount int64) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(dest, s.params)
	if err != nil {
		return nil, apperrors.NewInvalidDestinationError(dest, err)
	}
	if !addr.IsForNet(s.params) {
		return nil, apperrors.NewInvalidDestinationError(dest, fmt.Errorf("address is not for %s", s.params.Name))
	}
	if amount <= 0 {
		return nil, apperrors.NewInvalidAmountError(amount, "must be positive")
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, apperrors.NewInvalidDestinationError(dest, err)
	}
	if txrules.IsDustAmount(btcutil.Amount(amount), len(script), txrules.DefaultRelayFeePerKb) {
		return nil, apperrors.NewInvalidAmountError(amount, "below the dust limit")
	}
	return script, nil
}

func (s *SendOrchestrator) scriptFor(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, s.params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func (s *SendOrchestrator) buildAndSign(
	ctx context.Context,
	walletID string,
	addrs *walletAddresses,
	sel *Selection,
	destScript, changeScript []byte,
) ([]byte, string, error) {
	keys, err := loadKeys(ctx, s.wallets, walletID)
	if err != nil {
		return nil, "", err
	}

	tx := wire.NewMsgTx(wire.TxVersion + 1)
	signInputs := make([]keychain.SignInput, 0, len(sel.Inputs))

	for _, in := range sel.Inputs {
		hash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, "", apperrors.NewInternalError("invalid input txid", err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, in.Vout), nil, nil))

		rec, ok := addrs.byAddress[in.Address]
		if !ok || rec.DerivationIndex == nil {
			return nil, "", apperrors.NewInternalError(
				fmt.Sprintf("input %s is not owned by a derived address", in.Outpoint()), nil,
			)
		}
		pkScript, err := s.scriptFor(in.Address)
		if err != nil {
			return nil, "", apperrors.NewInternalError("invalid input address", err)
		}
		signInputs = append(signInputs, keychain.SignInput{
			DerivationIndex: *rec.DerivationIndex,
			Value:           in.Value,
			PkScript:        pkScript,
		})
	}

	tx.AddTxOut(wire.NewTxOut(sel.Total()-sel.Fee-sel.Change, destScript))
	if sel.Change > 0 {
		tx.AddTxOut(wire.NewTxOut(sel.Change, changeScript))
	}

	if err := s.signer.SignP2WPKH(keys.EncryptedSeed, tx, signInputs); err != nil {
		return nil, "", apperrors.NewInternalError("failed to sign transaction", err)
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, "", apperrors.NewInternalError("failed to serialize transaction", err)
	}
	return buf.Bytes(), tx.TxHash().String(), nil
}
