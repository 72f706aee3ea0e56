// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/service"
	"github.com/ark-custody/internal/types"
	"github.com/ark-custody/internal/worker"
)

// Service interfaces for dependency injection and testing

// WalletServiceInterface defines wallet management operations
type WalletServiceInterface interface {
	CreateWallet(ctx context.Context, name string) (*models.CreatedWallet, error)
	ListWallets(ctx context.Context, activeOnly bool) ([]*models.Wallet, error)
	GetWallet(ctx context.Context, walletID string) (*models.Wallet, error)
}

// AddressServiceInterface defines address operations
type AddressServiceInterface interface {
	GetAddress(ctx context.Context, walletID string, class types.AddressClass) (*models.AddressRecord, error)
	RotateAddress(ctx context.Context, walletID string, class types.AddressClass) (*models.AddressRecord, error)
}

// BalanceServiceInterface defines balance operations
type BalanceServiceInterface interface {
	RecomputeBalance(ctx context.Context, walletID string) (*models.BalanceView, error)
	GetSnapshot(ctx context.Context, walletID string) (*models.BalanceSnapshot, error)
}

// TransactionServiceInterface defines ledger reads
type TransactionServiceInterface interface {
	ListTransactions(ctx context.Context, walletID string, filter models.TransactionFilter) ([]*models.TransactionRecord, error)
	GetTransaction(ctx context.Context, walletID, txid string) ([]*models.TransactionRecord, error)
}

// SendServiceInterface defines payments
type SendServiceInterface interface {
	SendOnchain(ctx context.Context, walletID, dest string, amount int64, priority types.Priority) (*service.SendResult, error)
	SendOffchain(ctx context.Context, walletID, dest string, amount int64) (*service.SendResult, error)
}

// FeeServiceInterface defines fee quotes
type FeeServiceInterface interface {
	EstimateFees(ctx context.Context) *models.FeeEstimates
}

// RoundServiceInterface defines round participation
type RoundServiceInterface interface {
	Participate(ctx context.Context, walletID string) (*models.RoundAttempt, error)
	GetAttempt(ctx context.Context, walletID string) (*models.RoundAttempt, error)
}

// ExitServiceInterface defines unilateral exits
type ExitServiceInterface interface {
	Exit(ctx context.Context, walletID, vtxoTxid string) (*service.ExitResult, error)
	ExitRecommendations(ctx context.Context, walletID string) ([]models.ExitRecommendation, error)
	EmergencyExitAll(ctx context.Context, walletID string) (*service.EmergencyExitResult, error)
}

// SyncServiceInterface defines on-demand reconciliation
type SyncServiceInterface interface {
	SyncWallet(ctx context.Context, walletID string) (*service.SyncResult, error)
}

// SyncQueue accepts asynchronous sync requests
type SyncQueue interface {
	RequestSync(walletID string) bool
	GetStatus() *worker.SyncWorkerStatus
}

// Services bundles the core the API exposes
type Services struct {
	Wallets      WalletServiceInterface
	Addresses    AddressServiceInterface
	Balances     BalanceServiceInterface
	Transactions TransactionServiceInterface
	Sends        SendServiceInterface
	Fees         FeeServiceInterface
	Rounds       RoundServiceInterface
	Exits        ExitServiceInterface
	Sync         SyncServiceInterface
	// SyncQueue is optional; without it async sync requests are refused
	SyncQueue SyncQueue
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	services   Services
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestsPerSecond is the budget of each wallet
	RequestsPerSecond float64
	Burst             int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, services Services, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:   mux.NewRouter(),
		services: services,
		config:   config,
		logger:   logger,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// Order matters: the request logger must exist before anything logs
	s.router.Use(RequestLoggerMiddleware(s.logger))
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Wallets
	api.HandleFunc("/wallets", s.handleCreateWallet).Methods("POST")
	api.HandleFunc("/wallets", s.handleListWallets).Methods("GET")
	api.HandleFunc("/wallets/{id}", s.handleGetWallet).Methods("GET")

	// Addresses and balances
	api.HandleFunc("/wallets/{id}/addresses/{class}", s.handleGetAddress).Methods("GET")
	api.HandleFunc("/wallets/{id}/addresses/{class}/rotate", s.handleRotateAddress).Methods("POST")
	api.HandleFunc("/wallets/{id}/balance", s.handleGetBalance).Methods("GET")

	// Ledger
	api.HandleFunc("/wallets/{id}/transactions", s.handleListTransactions).Methods("GET")
	api.HandleFunc("/wallets/{id}/transactions/{txid}", s.handleGetTransaction).Methods("GET")

	// Payments
	api.HandleFunc("/wallets/{id}/send/onchain", s.handleSendOnchain).Methods("POST")
	api.HandleFunc("/wallets/{id}/send/offchain", s.handleSendOffchain).Methods("POST")
	api.HandleFunc("/fees", s.handleGetFees).Methods("GET")

	// Settlement
	api.HandleFunc("/wallets/{id}/round", s.handleParticipateRound).Methods("POST")
	api.HandleFunc("/wallets/{id}/round", s.handleGetRound).Methods("GET")
	api.HandleFunc("/wallets/{id}/exit", s.handleExit).Methods("POST")
	api.HandleFunc("/wallets/{id}/exit/recommendations", s.handleExitRecommendations).Methods("GET")
	api.HandleFunc("/wallets/{id}/sync", s.handleSync).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "healthy",
		"service": "ark-custody",
	}
	if s.services.SyncQueue != nil {
		body["syncWorker"] = s.services.SyncQueue.GetStatus()
	}
	respondJSON(w, http.StatusOK, body)
}

// Handler returns the root handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
