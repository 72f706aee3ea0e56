package models

import (
	"time"

	"github.com/ark-custody/internal/types"
)

// CoordinatorInfo describes the settlement coordinator
type CoordinatorInfo struct {
	SignerPubKey    []byte        `json:"signerPubkey"`
	Network         types.Network `json:"network"`
	ExitDelayBlocks int64         `json:"exitDelay"`
	BoardingDelay   int64         `json:"boardingExitDelay"`
	RoundInterval   time.Duration `json:"roundInterval"`
	Dust            int64         `json:"dust"`
}

// RoundResult is the coordinator's answer to a round registration
type RoundResult struct {
	RoundID        string `json:"roundId"`
	CommitmentTxID string `json:"commitmentTxid"`
	Accepted       bool   `json:"accepted"`
	Reason         string `json:"reason,omitempty"`
}

// RoundAttempt tracks one pass through the round state machine
type RoundAttempt struct {
	ID         string           `json:"id"`
	WalletID   string           `json:"walletId"`
	State      types.RoundState `json:"state"`
	Inputs     []Output         `json:"inputs"`
	Result     *RoundResult     `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
}

// OffchainSendRequest asks the coordinator client to pay an Ark address
type OffchainSendRequest struct {
	Inputs        []Output `json:"inputs"`
	Destination   string   `json:"destination"`
	Amount        int64    `json:"amount"`
	ChangeAddress string   `json:"changeAddress"`
}

// ExitRecommendation suggests exiting a virtual output
type ExitRecommendation struct {
	VtxoTxID      string            `json:"vtxoTxid"`
	Reason        types.ExitReason  `json:"reason"`
	Urgency       types.ExitUrgency `json:"urgency"`
	SecondsLeft   int64             `json:"secondsLeft,omitempty"`
	EstimatedCost int64             `json:"estimatedCost"`
}
