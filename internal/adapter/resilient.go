package adapter

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/ark-custody/internal/circuitbreaker"
	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/retry"
)

// Policy bounds every call to one remote collaborator
type Policy struct {
	Timeout time.Duration
	Breaker *circuitbreaker.CircuitBreaker
	// Limiter paces outbound calls. Nil means unlimited.
	Limiter *rate.Limiter
	// Retry applies to read-only calls only
	Retry *retry.RetryConfig
}

// NewPolicy builds a policy whose breaker only trips on unavailability
func NewPolicy(name string, timeout time.Duration, rps float64, breakers *circuitbreaker.CircuitBreakerManager) *Policy {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.IsFailure = IsUnavailable

	retryCfg := retry.DefaultRetryConfig()
	retryCfg.ShouldRetry = IsUnavailable

	p := &Policy{
		Timeout: timeout,
		Breaker: breakers.GetOrCreate(name, cfg),
		Retry:   retryCfg,
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		p.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return p
}

// invoke runs fn under the policy. Reads retry within the timeout budget;
// writes get exactly one attempt.
func invoke[T any](ctx context.Context, p *Policy, read bool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	attempt := func(ctx context.Context) (T, error) {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return zero, errors.Join(ErrProviderTimeout, err)
			}
		}

		var out T
		call := func(ctx context.Context) error {
			v, err := fn(ctx)
			out = v
			return err
		}

		var err error
		if p.Breaker != nil {
			err = p.Breaker.Execute(ctx, call)
		} else {
			err = call(ctx)
		}
		return out, err
	}

	if read && p.Retry != nil {
		return retry.Do(ctx, p.Retry, attempt)
	}
	return attempt(ctx)
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, circuitbreaker.ErrCircuitOpen) ||
		errors.Is(err, circuitbreaker.ErrTooManyRequests)
}

// ResilientIndexer decorates an OnchainIndexer with the call policy and
// maps failures onto error kinds
type ResilientIndexer struct {
	inner  OnchainIndexer
	policy *Policy
}

// NewResilientIndexer wraps inner
func NewResilientIndexer(inner OnchainIndexer, policy *Policy) *ResilientIndexer {
	return &ResilientIndexer{inner: inner, policy: policy}
}

var _ OnchainIndexer = (*ResilientIndexer)(nil)

func (r *ResilientIndexer) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsUnavailable(err) || isBreakerOpen(err) {
		return apperrors.NewIndexerUnavailableError(op, err)
	}
	if errors.Is(err, ErrRejected) {
		return apperrors.NewIndexerRejectedError(op, RejectReason(err), err)
	}
	return apperrors.NewIndexerUnavailableError(op, err)
}

// GetUtxos implements OnchainIndexer
func (r *ResilientIndexer) GetUtxos(ctx context.Context, address string) ([]models.Output, error) {
	out, err := invoke(ctx, r.policy, true, func(ctx context.Context) ([]models.Output, error) {
		return r.inner.GetUtxos(ctx, address)
	})
	return out, r.classify("get_utxos", err)
}

// GetBalance implements OnchainIndexer
func (r *ResilientIndexer) GetBalance(ctx context.Context, address string) (*models.AddressBalance, error) {
	out, err := invoke(ctx, r.policy, true, func(ctx context.Context) (*models.AddressBalance, error) {
		return r.inner.GetBalance(ctx, address)
	})
	return out, r.classify("get_balance", err)
}

// EstimateFeeRates implements OnchainIndexer
func (r *ResilientIndexer) EstimateFeeRates(ctx context.Context) (*models.FeeRates, error) {
	out, err := invoke(ctx, r.policy, true, r.inner.EstimateFeeRates)
	return out, r.classify("estimate_fees", err)
}

// Broadcast implements OnchainIndexer. It is never retried and every
// failure is a broadcast failure, since the transaction may have reached
// the network.
func (r *ResilientIndexer) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	txid, err := invoke(ctx, r.policy, false, func(ctx context.Context) (string, error) {
		return r.inner.Broadcast(ctx, rawTx)
	})
	if err != nil {
		cerr := apperrors.NewBroadcastFailedError(err)
		if reason := RejectReason(err); reason != "" {
			cerr.WithDetail("reason", reason)
		}
		return "", cerr
	}
	return txid, nil
}

// GetAddressTxs implements OnchainIndexer
func (r *ResilientIndexer) GetAddressTxs(ctx context.Context, address string) ([]models.ChainTx, error) {
	out, err := invoke(ctx, r.policy, true, func(ctx context.Context) ([]models.ChainTx, error) {
		return r.inner.GetAddressTxs(ctx, address)
	})
	return out, r.classify("get_address_txs", err)
}

// GetTipHeight implements OnchainIndexer
func (r *ResilientIndexer) GetTipHeight(ctx context.Context) (int64, error) {
	out, err := invoke(ctx, r.policy, true, r.inner.GetTipHeight)
	return out, r.classify("get_tip_height", err)
}

// ResilientCoordinator decorates a SettlementCoordinator with the call
// policy and maps failures onto error kinds
type ResilientCoordinator struct {
	inner  SettlementCoordinator
	policy *Policy
}

// NewResilientCoordinator wraps inner
func NewResilientCoordinator(inner SettlementCoordinator, policy *Policy) *ResilientCoordinator {
	return &ResilientCoordinator{inner: inner, policy: policy}
}

var _ SettlementCoordinator = (*ResilientCoordinator)(nil)

func (r *ResilientCoordinator) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRejected) {
		return apperrors.NewCoordinatorRejectedError(op, RejectReason(err), err)
	}
	return apperrors.NewCoordinatorUnavailableError(op, err)
}

// GetInfo implements SettlementCoordinator
func (r *ResilientCoordinator) GetInfo(ctx context.Context) (*models.CoordinatorInfo, error) {
	out, err := invoke(ctx, r.policy, true, r.inner.GetInfo)
	return out, r.classify("get_info", err)
}

// GetBoardingAddress implements SettlementCoordinator. The server returns
// the same address for the same key, so it is safe to retry.
func (r *ResilientCoordinator) GetBoardingAddress(ctx context.Context, pubkey []byte) (string, error) {
	out, err := invoke(ctx, r.policy, true, func(ctx context.Context) (string, error) {
		return r.inner.GetBoardingAddress(ctx, pubkey)
	})
	return out, r.classify("boarding", err)
}

// GetOffchainOutputs implements SettlementCoordinator
func (r *ResilientCoordinator) GetOffchainOutputs(ctx context.Context, address string) ([]models.Output, error) {
	out, err := invoke(ctx, r.policy, true, func(ctx context.Context) ([]models.Output, error) {
		return r.inner.GetOffchainOutputs(ctx, address)
	})
	return out, r.classify("get_vtxos", err)
}

// SubmitRound implements SettlementCoordinator. Rounds run on the
// caller's deadline instead of the per-call timeout.
func (r *ResilientCoordinator) SubmitRound(ctx context.Context, inputs []models.Output) (*models.RoundResult, error) {
	roundPolicy := *r.policy
	roundPolicy.Timeout = 0

	out, err := invoke(ctx, &roundPolicy, false, func(ctx context.Context) (*models.RoundResult, error) {
		return r.inner.SubmitRound(ctx, inputs)
	})
	return out, r.classify("round", err)
}

// SubmitExit implements SettlementCoordinator
func (r *ResilientCoordinator) SubmitExit(ctx context.Context, vtxo models.Output) (string, error) {
	out, err := invoke(ctx, r.policy, false, func(ctx context.Context) (string, error) {
		return r.inner.SubmitExit(ctx, vtxo)
	})
	return out, r.classify("exit", err)
}

// SendOffchain implements SettlementCoordinator
func (r *ResilientCoordinator) SendOffchain(ctx context.Context, req *models.OffchainSendRequest) (string, error) {
	out, err := invoke(ctx, r.policy, false, func(ctx context.Context) (string, error) {
		return r.inner.SendOffchain(ctx, req)
	})
	return out, r.classify("send_offchain", err)
}
