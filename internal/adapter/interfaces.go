// Package adapter holds the clients of the two remote collaborators: the
// on-chain indexer and the settlement coordinator.
package adapter

import (
	"context"
	"errors"

	"github.com/ark-custody/internal/models"
)

var (
	// ErrProviderUnavailable means the remote could not be reached or
	// answered with a server error
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderTimeout means the remote did not answer within its budget
	ErrProviderTimeout = errors.New("provider timeout")

	// ErrRejected means the remote understood the request and refused it
	ErrRejected = errors.New("rejected by provider")
)

// OnchainIndexer is the block-explorer view of the chain
type OnchainIndexer interface {
	GetUtxos(ctx context.Context, address string) ([]models.Output, error)
	GetBalance(ctx context.Context, address string) (*models.AddressBalance, error)
	EstimateFeeRates(ctx context.Context) (*models.FeeRates, error)
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
	GetAddressTxs(ctx context.Context, address string) ([]models.ChainTx, error)
	GetTipHeight(ctx context.Context) (int64, error)
}

// SettlementCoordinator is the Ark server that batches off-chain outputs
// into rounds
type SettlementCoordinator interface {
	GetInfo(ctx context.Context) (*models.CoordinatorInfo, error)
	GetBoardingAddress(ctx context.Context, pubkey []byte) (string, error)
	GetOffchainOutputs(ctx context.Context, address string) ([]models.Output, error)
	SubmitRound(ctx context.Context, inputs []models.Output) (*models.RoundResult, error)
	SubmitExit(ctx context.Context, vtxo models.Output) (string, error)
	SendOffchain(ctx context.Context, req *models.OffchainSendRequest) (string, error)
}

// RejectedError carries the reason a remote gave for refusing a request
type RejectedError struct {
	Status int
	Reason string
}

func (e *RejectedError) Error() string {
	return "rejected by provider: " + e.Reason
}

// Is makes errors.Is(err, ErrRejected) hold for every RejectedError
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// RejectReason extracts the remote's reason from err, if any
func RejectReason(err error) string {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}
