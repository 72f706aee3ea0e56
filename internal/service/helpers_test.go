package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/ark-custody/internal/adapter"
	"github.com/ark-custody/internal/keychain"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/storage"
	"github.com/ark-custody/internal/types"
)

var testStart = time.Unix(1_700_000_000, 0)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// txid returns a valid 64 character hex txid derived from n
func txid(n int) string {
	return fmt.Sprintf("%064x", n)
}

// fakeIndexer is an in-memory OnchainIndexer
type fakeIndexer struct {
	mu sync.Mutex

	utxos   map[string][]models.Output
	history map[string][]models.ChainTx
	rates   *models.FeeRates
	tip     int64

	readErr      error
	feeErr       error
	broadcastErr error

	broadcasts [][]byte
	feeCalls   int
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{
		utxos:   make(map[string][]models.Output),
		history: make(map[string][]models.ChainTx),
		rates:   &models.FeeRates{Fastest: 10, Fast: 5, Normal: 1, Slow: 1, Minimum: 1},
		tip:     1000,
	}
}

func (f *fakeIndexer) setUtxos(address string, outs ...models.Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utxos[address] = outs
}

func (f *fakeIndexer) addHistory(address string, tx models.ChainTx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[address] = append(f.history[address], tx)
}

func (f *fakeIndexer) setReadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeIndexer) GetUtxos(_ context.Context, address string) ([]models.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return append([]models.Output(nil), f.utxos[address]...), nil
}

func (f *fakeIndexer) GetBalance(_ context.Context, address string) (*models.AddressBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	bal := &models.AddressBalance{Address: address}
	for _, o := range f.utxos[address] {
		if o.Confirmed {
			bal.Confirmed += o.Value
		} else {
			bal.Pending += o.Value
		}
	}
	return bal, nil
}

func (f *fakeIndexer) EstimateFeeRates(_ context.Context) (*models.FeeRates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeCalls++
	if f.feeErr != nil {
		return nil, f.feeErr
	}
	rates := *f.rates
	return &rates, nil
}

func (f *fakeIndexer) Broadcast(_ context.Context, rawTx []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	f.broadcasts = append(f.broadcasts, rawTx)
	return "", nil
}

func (f *fakeIndexer) GetAddressTxs(_ context.Context, address string) ([]models.ChainTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return append([]models.ChainTx(nil), f.history[address]...), nil
}

func (f *fakeIndexer) GetTipHeight(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.tip, nil
}

// fakeCoordinator is an in-memory SettlementCoordinator
type fakeCoordinator struct {
	mu sync.Mutex

	info  *models.CoordinatorInfo
	vtxos map[string][]models.Output

	readErr  error
	infoErr  error
	roundErr error
	exitErr  error
	sendErr  error

	roundResult *models.RoundResult
	// blockRounds makes SubmitRound wait for its context
	blockRounds bool

	infoCalls  int
	rounds     [][]models.Output
	exits      []models.Output
	sends      []*models.OffchainSendRequest
	boardingNo int
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return &fakeCoordinator{
		info: &models.CoordinatorInfo{
			SignerPubKey:    priv.PubKey().SerializeCompressed(),
			Network:         types.NetworkRegtest,
			ExitDelayBlocks: 144,
			BoardingDelay:   1008,
			RoundInterval:   10 * time.Second,
			Dust:            330,
		},
		vtxos:       make(map[string][]models.Output),
		roundResult: &models.RoundResult{RoundID: "round-1", CommitmentTxID: txid(9000), Accepted: true},
	}
}

func (f *fakeCoordinator) setVtxos(address string, outs ...models.Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vtxos[address] = outs
}

func (f *fakeCoordinator) setReadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeCoordinator) GetInfo(_ context.Context) (*models.CoordinatorInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	info := *f.info
	return &info, nil
}

func (f *fakeCoordinator) GetBoardingAddress(_ context.Context, pubkey []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return "", f.readErr
	}
	f.boardingNo++
	return fmt.Sprintf("bcrt1pboarding%s%d", hex.EncodeToString(pubkey[:4]), f.boardingNo), nil
}

func (f *fakeCoordinator) GetOffchainOutputs(_ context.Context, address string) ([]models.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return append([]models.Output(nil), f.vtxos[address]...), nil
}

func (f *fakeCoordinator) SubmitRound(ctx context.Context, inputs []models.Output) (*models.RoundResult, error) {
	f.mu.Lock()
	f.rounds = append(f.rounds, inputs)
	block, err, result := f.blockRounds, f.roundErr, f.roundResult
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	res := *result
	return &res, nil
}

func (f *fakeCoordinator) SubmitExit(_ context.Context, vtxo models.Output) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exitErr != nil {
		return "", f.exitErr
	}
	f.exits = append(f.exits, vtxo)
	return "exit-" + vtxo.TxID[:8], nil
}

func (f *fakeCoordinator) SendOffchain(_ context.Context, req *models.OffchainSendRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sends = append(f.sends, req)
	return txid(7000 + len(f.sends)), nil
}

var (
	_ adapter.OnchainIndexer        = (*fakeIndexer)(nil)
	_ adapter.SettlementCoordinator = (*fakeCoordinator)(nil)
)

// harness wires every service over a real sqlite ledger and fake remotes
type harness struct {
	db          *storage.DB
	clock       *clock.TestClock
	indexer     *fakeIndexer
	coordinator *fakeCoordinator
	keyRing     *keychain.KeyRing

	walletRepo  *storage.WalletRepository
	addressRepo *storage.AddressRepository
	balanceRepo *storage.BalanceRepository
	txRepo      *storage.TransactionRepository
	ledger      *storage.LedgerStore

	wallets      *WalletService
	addresses    *AddressManager
	fees         *FeeEstimator
	aggregator   *BalanceAggregator
	sync         *SyncEngine
	sends        *SendOrchestrator
	rounds       *RoundCoordinator
	exits        *ExitHandler
	transactions *TransactionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := storage.NewSqliteDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations())

	h := &harness{
		db:          db,
		clock:       clock.NewTestClock(testStart),
		indexer:     newFakeIndexer(),
		coordinator: newFakeCoordinator(t),
		keyRing: keychain.NewKeyRing(
			types.NetworkRegtest, &chaincfg.RegressionNetParams,
			[]byte("test-encryption-key"),
			keychain.SealParams{Memory: 1024, Iterations: 1, Parallelism: 1},
		),
		walletRepo:  storage.NewWalletRepository(db),
		addressRepo: storage.NewAddressRepository(db),
		balanceRepo: storage.NewBalanceRepository(db),
		txRepo:      storage.NewTransactionRepository(db),
		ledger:      storage.NewLedgerStore(db),
	}

	locks := NewWalletLocks()
	info := NewCoordinatorInfoCache(h.coordinator, nil, h.clock)

	h.wallets = NewWalletService(h.walletRepo, h.keyRing, h.clock)
	h.addresses = NewAddressManager(h.walletRepo, h.addressRepo, h.keyRing, h.coordinator, info, locks, h.clock)
	h.fees = NewFeeEstimator(h.indexer, nil, 1, 160, time.Minute, h.clock)
	h.aggregator = NewBalanceAggregator(h.walletRepo, h.addressRepo, h.balanceRepo, h.ledger, h.indexer, h.coordinator, locks, h.clock)
	h.sync = NewSyncEngine(h.walletRepo, h.txRepo, h.ledger, h.indexer, h.aggregator, locks, h.clock)
	h.sends = NewSendOrchestrator(SendOrchestratorDeps{
		Wallets:      h.walletRepo,
		Transactions: h.txRepo,
		Ledger:      h.ledger,
		Indexer:     h.indexer,
		Coordinator: h.coordinator,
		Aggregator:  h.aggregator,
		AddressMgr:  h.addresses,
		Fees:        h.fees,
		Signer:      h.keyRing,
		Params:      &chaincfg.RegressionNetParams,
		Network:     types.NetworkRegtest,
		Locks:       locks,
		Clock:       h.clock,
	})
	h.rounds = NewRoundCoordinator(h.walletRepo, h.txRepo, h.ledger, h.coordinator, h.aggregator, locks, h.clock, 200*time.Millisecond, 0)
	h.exits = NewExitHandler(h.walletRepo, h.txRepo, h.ledger, h.indexer, h.coordinator, info, h.aggregator, locks, h.clock)
	h.transactions = NewTransactionService(h.walletRepo, h.txRepo)
	return h
}

// newWallet creates a wallet through the wallet service
func (h *harness) newWallet(t *testing.T) string {
	t.Helper()
	created, err := h.wallets.CreateWallet(testContext(t), "test wallet")
	require.NoError(t, err)
	return created.Wallet.ID
}

func (h *harness) address(t *testing.T, walletID string, class types.AddressClass) string {
	t.Helper()
	rec, err := h.addresses.GetAddress(testContext(t), walletID, class)
	require.NoError(t, err)
	return rec.Address
}

func (h *harness) records(t *testing.T, walletID string) []*models.TransactionRecord {
	t.Helper()
	recs, err := h.txRepo.List(testContext(t), walletID, models.TransactionFilter{})
	require.NoError(t, err)
	return recs
}

func (h *harness) snapshot(t *testing.T, walletID string) *models.BalanceSnapshot {
	t.Helper()
	snap, err := h.balanceRepo.Get(testContext(t), walletID)
	require.NoError(t, err)
	return snap
}

// dumpLedger renders every row of every table so tests can compare
// database states exactly
func dumpLedger(t *testing.T, db *storage.DB) string {
	t.Helper()

	tables := []string{"wallets", "wallet_keys", "addresses", "balance_snapshots", "transactions"}
	var b strings.Builder
	for _, table := range tables {
		rows, err := db.QueryContext(testContext(t), "SELECT * FROM "+table+" ORDER BY 1, 2")
		require.NoError(t, err)

		cols, err := rows.Columns()
		require.NoError(t, err)
		fmt.Fprintf(&b, "== %s %v\n", table, cols)

		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			require.NoError(t, rows.Scan(ptrs...))
			for _, v := range vals {
				if raw, ok := v.([]byte); ok {
					v = hex.EncodeToString(raw)
				}
				fmt.Fprintf(&b, "%v|", v)
			}
			b.WriteString("\n")
		}
		require.NoError(t, rows.Err())
		require.NoError(t, rows.Close())
	}
	return b.String()
}

// regtestAddress returns a P2WPKH address not owned by any test wallet
func regtestAddress(t *testing.T, seed byte) string {
	t.Helper()
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = seed
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func utxo(n int, value int64, confirmed bool) models.Output {
	out := models.Output{TxID: txid(n), Vout: 0, Value: value, Confirmed: confirmed}
	if confirmed {
		out.BlockHeight = 900
		out.BlockTime = testStart.Unix() - 600
	}
	return out
}

func vtxo(n int, value int64, status types.VtxoStatus) models.Output {
	return models.Output{
		TxID:        txid(n),
		Vout:        0,
		Value:       value,
		Confirmed:   status == types.VtxoConfirmed,
		VtxoStatus:  status,
		ExpiresAt:   testStart.Add(7 * 24 * time.Hour).Unix(),
		BlockHeight: 900,
		CreatedAt:   testStart.Unix() - 300,
	}
}
