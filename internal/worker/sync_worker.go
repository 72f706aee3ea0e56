package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/service"
	"github.com/ark-custody/internal/types"
)

const (
	// DefaultSyncInterval is the period between scheduled syncs
	DefaultSyncInterval = 30 * time.Second
	// DefaultSyncConcurrency bounds wallets synced at once
	DefaultSyncConcurrency = 4
	// DefaultWalletSyncTimeout bounds one wallet sync
	DefaultWalletSyncTimeout = 2 * time.Minute
)

// WalletSyncer reconciles one wallet
type WalletSyncer interface {
	SyncWallet(ctx context.Context, walletID string) (*service.SyncResult, error)
}

// WalletLister lists the wallets the worker keeps in sync
type WalletLister interface {
	ListWallets(ctx context.Context, activeOnly bool) ([]*models.Wallet, error)
}

// VtxoRenewer moves virtual outputs that are close to expiry into a new
// round
type VtxoRenewer interface {
	NeedsRenewal(ctx context.Context, walletID string) (bool, error)
	Participate(ctx context.Context, walletID string) (*models.RoundAttempt, error)
}

// ExitAdvisor reports outputs that should leave through a unilateral exit
type ExitAdvisor interface {
	ExitRecommendations(ctx context.Context, walletID string) ([]models.ExitRecommendation, error)
}

// LockCounter reports how many wallets hold or wait for a lock
type LockCounter interface {
	Len() int
}

// SyncWorkerConfig holds configuration for a sync worker
type SyncWorkerConfig struct {
	Syncer  WalletSyncer
	Wallets WalletLister

	// Renewer and Exits are optional. When set, every scheduled sync is
	// followed by expiry management for the wallet.
	Renewer VtxoRenewer
	Exits   ExitAdvisor
	Locks   LockCounter

	Interval    time.Duration
	Concurrency int
	// WalletTimeout bounds each wallet sync
	WalletTimeout time.Duration

	// Ticker overrides the interval ticker, mainly for tests
	Ticker ticker.Ticker
	Clock  clock.Clock
}

// SyncWorker keeps every active wallet reconciled. Scheduled syncs run on
// a ticker; RequestSync jumps the queue.
type SyncWorker struct {
	syncer        WalletSyncer
	wallets       WalletLister
	renewer       VtxoRenewer
	exits         ExitAdvisor
	locks         LockCounter
	ticker        ticker.Ticker
	clock         clock.Clock
	interval      time.Duration
	concurrency   int
	walletTimeout time.Duration

	queue *PriorityQueue
	wake  chan struct{}

	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	lastTick time.Time
	lastRun  time.Time
	synced   int64
	failed   int64
	renewed  int64
}

// SyncWorkerStatus is a point-in-time view of the worker
type SyncWorkerStatus struct {
	Running              bool      `json:"running"`
	LastTick             time.Time `json:"lastTick"`
	LastRun              time.Time `json:"lastRun"`
	Queued               int       `json:"queued"`
	Synced               int64     `json:"synced"`
	Failed               int64     `json:"failed"`
	Renewed              int64     `json:"renewed"`
	LockedWallets        int       `json:"lockedWallets"`
	IntervalSeconds      int       `json:"intervalSeconds"`
	Concurrency          int       `json:"concurrency"`
	WalletTimeoutSeconds int       `json:"walletTimeoutSeconds"`
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(cfg *SyncWorkerConfig) (*SyncWorker, error) {
	if cfg.Syncer == nil {
		return nil, fmt.Errorf("wallet syncer cannot be nil")
	}
	if cfg.Wallets == nil {
		return nil, fmt.Errorf("wallet lister cannot be nil")
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultSyncInterval
	}
	if interval < time.Second {
		return nil, fmt.Errorf("sync interval must be at least 1s, got %v", interval)
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultSyncConcurrency
	}
	walletTimeout := cfg.WalletTimeout
	if walletTimeout <= 0 {
		walletTimeout = DefaultWalletSyncTimeout
	}

	t := cfg.Ticker
	if t == nil {
		t = ticker.New(interval)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &SyncWorker{
		syncer:        cfg.Syncer,
		wallets:       cfg.Wallets,
		renewer:       cfg.Renewer,
		exits:         cfg.Exits,
		locks:         cfg.Locks,
		ticker:        t,
		clock:         clk,
		interval:      interval,
		concurrency:   concurrency,
		walletTimeout: walletTimeout,
		queue:         NewPriorityQueue(),
		wake:          make(chan struct{}, 1),
	}, nil
}

// Start launches the sync loop
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("sync worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component":   "sync_worker",
		"interval":    w.interval.String(),
		"concurrency": w.concurrency,
	}).Info("Starting sync worker")

	w.ticker.Resume()
	go w.loop(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop waits for the loop to finish its current pass
func (w *SyncWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("sync worker is not running")
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.ticker.Stop()

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	logging.FromContext(ctx).WithField("component", "sync_worker").Info("Sync worker stopped")
	return nil
}

// RequestSync queues a high priority sync of one wallet. It reports
// whether the wallet was not already queued.
func (w *SyncWorker) RequestSync(walletID string) bool {
	added := w.queue.Push(walletID, PriorityRequested)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return added
}

// SyncOnce queues every active wallet and syncs the whole queue
func (w *SyncWorker) SyncOnce(ctx context.Context) error {
	if err := w.scheduleActive(ctx); err != nil {
		return err
	}
	w.drain(ctx)
	return nil
}

// GetStatus returns current worker status
func (w *SyncWorker) GetStatus() *SyncWorkerStatus {
	var locked int
	if w.locks != nil {
		locked = w.locks.Len()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	return &SyncWorkerStatus{
		Running:              w.running,
		LastTick:             w.lastTick,
		LastRun:              w.lastRun,
		Queued:               w.queue.Len(),
		Synced:               w.synced,
		Failed:               w.failed,
		Renewed:              w.renewed,
		LockedWallets:        locked,
		IntervalSeconds:      int(w.interval.Seconds()),
		Concurrency:          w.concurrency,
		WalletTimeoutSeconds: int(w.walletTimeout.Seconds()),
	}
}

func (w *SyncWorker) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	log := logging.FromContext(ctx).WithField("component", "sync_worker")

	for {
		select {
		case <-ctx.Done():
			log.Info("Context cancelled")
			return

		case <-stopCh:
			return

		case <-w.ticker.Ticks():
			w.mu.Lock()
			w.lastTick = w.clock.Now()
			w.mu.Unlock()

			if err := w.scheduleActive(ctx); err != nil {
				log.WithError(err).Warn("Failed to list wallets")
			}
			w.drain(ctx)

		case <-w.wake:
			w.drain(ctx)
		}
	}
}

// scheduleActive queues every active wallet at scheduled priority
func (w *SyncWorker) scheduleActive(ctx context.Context) error {
	wallets, err := w.wallets.ListWallets(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list wallets: %w", err)
	}
	for _, wallet := range wallets {
		w.queue.Push(wallet.ID, PriorityScheduled)
	}
	return nil
}

// drain syncs queued wallets until the queue is empty. Wallets queued
// while it runs are picked up in the same pass.
func (w *SyncWorker) drain(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(w.concurrency)

	for ctx.Err() == nil {
		walletID, priority, ok := w.queue.Pop()
		if !ok {
			break
		}
		g.Go(func() error {
			w.syncOne(ctx, walletID, priority)
			return nil
		})
	}
	_ = g.Wait()

	w.mu.Lock()
	w.lastRun = w.clock.Now()
	w.mu.Unlock()
}

func (w *SyncWorker) syncOne(ctx context.Context, walletID string, priority SyncPriority) {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "sync_worker",
		"walletId":  walletID,
		"priority":  int(priority),
	})

	syncCtx, cancel := context.WithTimeout(ctx, w.walletTimeout)
	defer cancel()

	res, err := w.syncer.SyncWallet(syncCtx, walletID)

	w.mu.Lock()
	if err != nil {
		w.failed++
	} else {
		w.synced++
	}
	w.mu.Unlock()

	if err != nil {
		log.WithError(err).Warn("Wallet sync failed")
		return
	}
	if len(res.Warnings) > 0 {
		log.WithField("warnings", res.Warnings).Warn("Wallet synced with stale data")
	}
	if priority == PriorityScheduled {
		w.manageExpiry(ctx, walletID, log)
	}
}

// manageExpiry renews virtual outputs close to expiry and surfaces
// critical exit recommendations
func (w *SyncWorker) manageExpiry(ctx context.Context, walletID string, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(ctx, w.walletTimeout)
	defer cancel()

	if w.renewer != nil {
		w.renew(ctx, walletID, log)
	}
	if w.exits == nil {
		return
	}

	recs, err := w.exits.ExitRecommendations(ctx, walletID)
	if err != nil {
		log.WithError(err).Warn("Exit recommendations unavailable")
		return
	}
	for _, rec := range recs {
		if rec.Urgency != types.UrgencyCritical {
			continue
		}
		log.WithFields(map[string]interface{}{
			"vtxo":        rec.VtxoTxID,
			"reason":      string(rec.Reason),
			"secondsLeft": rec.SecondsLeft,
		}).Error("Virtual output needs an exit")
	}
}

func (w *SyncWorker) renew(ctx context.Context, walletID string, log *logging.Logger) {
	needed, err := w.renewer.NeedsRenewal(ctx, walletID)
	if err != nil {
		log.WithError(err).Warn("Renewal check failed")
		return
	}
	if !needed {
		return
	}

	attempt, err := w.renewer.Participate(ctx, walletID)
	if err != nil {
		log.WithError(err).Warn("Automatic renewal failed")
		return
	}

	w.mu.Lock()
	w.renewed++
	w.mu.Unlock()

	log.WithFields(map[string]interface{}{
		"attemptId": attempt.ID,
		"inputs":    len(attempt.Inputs),
	}).Info("Virtual outputs renewed")
}
