package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/service"
	"github.com/ark-custody/internal/types"
	"github.com/ark-custody/internal/worker"
)

// mockCore backs every service interface. Unset funcs return fixed data.
type mockCore struct {
	createWallet func(ctx context.Context, name string) (*models.CreatedWallet, error)
	getWallet    func(ctx context.Context, walletID string) (*models.Wallet, error)
	getAddress   func(ctx context.Context, walletID string, class types.AddressClass) (*models.AddressRecord, error)
	recompute    func(ctx context.Context, walletID string) (*models.BalanceView, error)
	snapshot     func(ctx context.Context, walletID string) (*models.BalanceSnapshot, error)
	list         func(ctx context.Context, walletID string, filter models.TransactionFilter) ([]*models.TransactionRecord, error)
	sendOnchain  func(ctx context.Context, walletID, dest string, amount int64, priority types.Priority) (*service.SendResult, error)
	participate  func(ctx context.Context, walletID string) (*models.RoundAttempt, error)
	exit         func(ctx context.Context, walletID, vtxoTxid string) (*service.ExitResult, error)
	exitAll      func(ctx context.Context, walletID string) (*service.EmergencyExitResult, error)
	syncWallet   func(ctx context.Context, walletID string) (*service.SyncResult, error)
}

func (m *mockCore) CreateWallet(ctx context.Context, name string) (*models.CreatedWallet, error) {
	if m.createWallet != nil {
		return m.createWallet(ctx, name)
	}
	return &models.CreatedWallet{
		Wallet:   &models.Wallet{ID: "wallet-1", Name: name, Active: true},
		Mnemonic: "abandon abandon abandon",
	}, nil
}

func (m *mockCore) ListWallets(_ context.Context, activeOnly bool) ([]*models.Wallet, error) {
	return []*models.Wallet{{ID: "wallet-1", Active: true}}, nil
}

func (m *mockCore) GetWallet(ctx context.Context, walletID string) (*models.Wallet, error) {
	if m.getWallet != nil {
		return m.getWallet(ctx, walletID)
	}
	return &models.Wallet{ID: walletID, Active: true}, nil
}

func (m *mockCore) GetAddress(ctx context.Context, walletID string, class types.AddressClass) (*models.AddressRecord, error) {
	if m.getAddress != nil {
		return m.getAddress(ctx, walletID, class)
	}
	return &models.AddressRecord{WalletID: walletID, Class: class, Address: "bcrt1qexample"}, nil
}

func (m *mockCore) RotateAddress(ctx context.Context, walletID string, class types.AddressClass) (*models.AddressRecord, error) {
	index := uint32(1)
	return &models.AddressRecord{WalletID: walletID, Class: class, Address: "bcrt1qrotated", DerivationIndex: &index}, nil
}

func (m *mockCore) RecomputeBalance(ctx context.Context, walletID string) (*models.BalanceView, error) {
	if m.recompute != nil {
		return m.recompute(ctx, walletID)
	}
	return &models.BalanceView{Snapshot: models.BalanceSnapshot{WalletID: walletID}}, nil
}

func (m *mockCore) GetSnapshot(ctx context.Context, walletID string) (*models.BalanceSnapshot, error) {
	if m.snapshot != nil {
		return m.snapshot(ctx, walletID)
	}
	return &models.BalanceSnapshot{WalletID: walletID}, nil
}

func (m *mockCore) ListTransactions(ctx context.Context, walletID string, filter models.TransactionFilter) ([]*models.TransactionRecord, error) {
	if m.list != nil {
		return m.list(ctx, walletID, filter)
	}
	return []*models.TransactionRecord{}, nil
}

func (m *mockCore) GetTransaction(_ context.Context, walletID, txid string) ([]*models.TransactionRecord, error) {
	return nil, apperrors.NewTransactionNotFoundError(txid)
}

func (m *mockCore) SendOnchain(ctx context.Context, walletID, dest string, amount int64, priority types.Priority) (*service.SendResult, error) {
	if m.sendOnchain != nil {
		return m.sendOnchain(ctx, walletID, dest, amount, priority)
	}
	return &service.SendResult{TxID: "tx", Amount: amount, Fee: 160}, nil
}

func (m *mockCore) SendOffchain(_ context.Context, walletID, dest string, amount int64) (*service.SendResult, error) {
	return &service.SendResult{TxID: "ark-tx", Amount: amount}, nil
}

func (m *mockCore) EstimateFees(context.Context) *models.FeeEstimates {
	return &models.FeeEstimates{Rates: models.FeeRates{Fastest: 10, Fast: 5, Normal: 2, Slow: 1, Minimum: 1}}
}

func (m *mockCore) Participate(ctx context.Context, walletID string) (*models.RoundAttempt, error) {
	if m.participate != nil {
		return m.participate(ctx, walletID)
	}
	return &models.RoundAttempt{ID: "attempt-1", WalletID: walletID, State: types.RoundCommitted}, nil
}

func (m *mockCore) GetAttempt(_ context.Context, walletID string) (*models.RoundAttempt, error) {
	return nil, apperrors.NewNotFoundError(apperrors.CodeRoundNotFound, "round attempt", walletID)
}

func (m *mockCore) Exit(ctx context.Context, walletID, vtxoTxid string) (*service.ExitResult, error) {
	if m.exit != nil {
		return m.exit(ctx, walletID, vtxoTxid)
	}
	return &service.ExitResult{VtxoTxID: vtxoTxid, ExitTxID: "exit-tx", Amount: 1000}, nil
}

func (m *mockCore) ExitRecommendations(_ context.Context, walletID string) ([]models.ExitRecommendation, error) {
	return []models.ExitRecommendation{}, nil
}

func (m *mockCore) EmergencyExitAll(ctx context.Context, walletID string) (*service.EmergencyExitResult, error) {
	if m.exitAll != nil {
		return m.exitAll(ctx, walletID)
	}
	return &service.EmergencyExitResult{Exited: []service.ExitResult{}}, nil
}

func (m *mockCore) SyncWallet(ctx context.Context, walletID string) (*service.SyncResult, error) {
	if m.syncWallet != nil {
		return m.syncWallet(ctx, walletID)
	}
	return &service.SyncResult{WalletID: walletID}, nil
}

type mockQueue struct {
	requested []string
}

func (q *mockQueue) RequestSync(walletID string) bool {
	q.requested = append(q.requested, walletID)
	return true
}

func (q *mockQueue) GetStatus() *worker.SyncWorkerStatus {
	return &worker.SyncWorkerStatus{Running: true, Queued: len(q.requested)}
}

func createTestServer(core *mockCore, queue SyncQueue) *Server {
	config := &ServerConfig{
		Host:              "localhost",
		Port:              "8080",
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             1000,
	}
	services := Services{
		Wallets:      core,
		Addresses:    core,
		Balances:     core,
		Transactions: core,
		Sends:        core,
		Fees:         core,
		Rounds:       core,
		Exits:        core,
		Sync:         core,
	}
	if queue != nil {
		services.SyncQueue = queue
	}
	return NewServer(config, services, logging.NewNopLogger())
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ServiceError {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(&mockCore{}, &mockQueue{})

	w := doRequest(t, server, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "syncWorker")
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestCreateWallet(t *testing.T) {
	var gotName string
	core := &mockCore{createWallet: func(_ context.Context, name string) (*models.CreatedWallet, error) {
		gotName = name
		return &models.CreatedWallet{Wallet: &models.Wallet{ID: "w1", Name: name}, Mnemonic: "seed words"}, nil
	}}
	server := createTestServer(core, nil)

	w := doRequest(t, server, "POST", "/api/wallets", map[string]string{"name": "treasury"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "treasury", gotName)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var created models.CreatedWallet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "seed words", created.Mnemonic)
}

func TestGetBalance(t *testing.T) {
	core := &mockCore{
		snapshot: func(_ context.Context, walletID string) (*models.BalanceSnapshot, error) {
			return &models.BalanceSnapshot{WalletID: walletID, OnchainConfirmed: 100, OffchainConfirmed: 30, OffchainPending: 7}, nil
		},
		recompute: func(_ context.Context, walletID string) (*models.BalanceView, error) {
			return &models.BalanceView{
				Snapshot:      models.BalanceSnapshot{WalletID: walletID, OnchainConfirmed: 200},
				OffchainStale: true,
				Warnings:      []string{"coordinator unreachable"},
			}, nil
		},
	}
	server := createTestServer(core, nil)

	t.Run("cached", func(t *testing.T) {
		w := doRequest(t, server, "GET", "/api/wallets/w1/balance", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp BalanceResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, int64(130), resp.Available)
		assert.Equal(t, int64(137), resp.Total)
		assert.False(t, resp.OffchainStale)
	})

	t.Run("refresh", func(t *testing.T) {
		w := doRequest(t, server, "GET", "/api/wallets/w1/balance?refresh=true", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp BalanceResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, int64(200), resp.Available)
		assert.True(t, resp.OffchainStale)
		assert.Len(t, resp.Warnings, 1)
	})

	t.Run("bad flag", func(t *testing.T) {
		w := doRequest(t, server, "GET", "/api/wallets/w1/balance?refresh=maybe", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSendOnchain(t *testing.T) {
	var got struct {
		dest     string
		amount   int64
		priority types.Priority
	}
	core := &mockCore{sendOnchain: func(_ context.Context, _ string, dest string, amount int64, priority types.Priority) (*service.SendResult, error) {
		got.dest, got.amount, got.priority = dest, amount, priority
		if amount > 1_000_000 {
			return nil, apperrors.NewInsufficientFundsError(amount+160, 1_000_000)
		}
		return &service.SendResult{TxID: "tx", Amount: amount, Fee: 160, Change: 499_840}, nil
	}}
	server := createTestServer(core, nil)

	w := doRequest(t, server, "POST", "/api/wallets/w1/send/onchain", map[string]interface{}{
		"destination": "bcrt1qdest", "amount": 500_000, "priority": "fast",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bcrt1qdest", got.dest)
	assert.Equal(t, types.PriorityFast, got.priority)

	w = doRequest(t, server, "POST", "/api/wallets/w1/send/onchain", map[string]interface{}{
		"destination": "bcrt1qdest", "amount": 500_000,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.PriorityNormal, got.priority)

	w = doRequest(t, server, "POST", "/api/wallets/w1/send/onchain", map[string]interface{}{
		"destination": "bcrt1qdest", "amount": 2_000_000,
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	svcErr := decodeError(t, w)
	assert.Equal(t, apperrors.CodeInsufficientFunds, svcErr.Code)
	assert.Equal(t, string(apperrors.KindInsufficientFunds), svcErr.Details["kind"])

	w = doRequest(t, server, "POST", "/api/wallets/w1/send/onchain", map[string]interface{}{
		"destination": "bcrt1qdest", "amount": 1, "priority": "ludicrous",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoundFailureCarriesAttempt(t *testing.T) {
	core := &mockCore{participate: func(_ context.Context, walletID string) (*models.RoundAttempt, error) {
		return &models.RoundAttempt{ID: "attempt-9", WalletID: walletID, State: types.RoundFailed},
			apperrors.NewCoordinatorRejectedError("submit_round", "round full", nil)
	}}
	server := createTestServer(core, nil)

	w := doRequest(t, server, "POST", "/api/wallets/w1/round", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	svcErr := decodeError(t, w)
	assert.Equal(t, apperrors.CodeCoordinatorRejected, svcErr.Code)
	assert.Equal(t, "attempt-9", svcErr.Details["attemptId"])
	assert.Equal(t, string(types.RoundFailed), svcErr.Details["state"])

	w = doRequest(t, server, "GET", "/api/wallets/w1/round", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExitEndpoint(t *testing.T) {
	var exited []string
	var all int
	core := &mockCore{
		exit: func(_ context.Context, _ string, txid string) (*service.ExitResult, error) {
			exited = append(exited, txid)
			if txid == "locked" {
				return nil, apperrors.NewTimelockNotExpiredError(txid, 10)
			}
			return &service.ExitResult{VtxoTxID: txid, ExitTxID: "e"}, nil
		},
		exitAll: func(context.Context, string) (*service.EmergencyExitResult, error) {
			all++
			return &service.EmergencyExitResult{Exited: []service.ExitResult{}}, nil
		},
	}
	server := createTestServer(core, nil)

	w := doRequest(t, server, "POST", "/api/wallets/w1/exit", map[string]interface{}{"vtxoTxid": "abc"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, server, "POST", "/api/wallets/w1/exit", map[string]interface{}{"vtxoTxid": "locked"})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, float64(10), decodeError(t, w).Details["blocksRemaining"])

	w = doRequest(t, server, "POST", "/api/wallets/w1/exit", map[string]interface{}{"all": true})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, all)

	w = doRequest(t, server, "POST", "/api/wallets/w1/exit", map[string]interface{}{"all": true, "vtxoTxid": "abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, []string{"abc", "locked"}, exited)
}

func TestSyncEndpoint(t *testing.T) {
	queue := &mockQueue{}
	core := &mockCore{getWallet: func(_ context.Context, walletID string) (*models.Wallet, error) {
		if walletID == "missing" {
			return nil, apperrors.NewWalletNotFoundError(walletID)
		}
		return &models.Wallet{ID: walletID}, nil
	}}
	server := createTestServer(core, queue)

	w := doRequest(t, server, "POST", "/api/wallets/w1/sync", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, queue.requested)

	w = doRequest(t, server, "POST", "/api/wallets/w1/sync?async=true", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"w1"}, queue.requested)

	w = doRequest(t, server, "POST", "/api/wallets/missing/sync?async=true", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, queue.requested, 1)

	noQueue := createTestServer(core, nil)
	w = doRequest(t, noQueue, "POST", "/api/wallets/w1/sync?async=true", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCORSHeaders(t *testing.T) {
	server := createTestServer(&mockCore{}, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
