// Package types provides common type definitions for the custody system.
package types

import "fmt"

// Network represents the Bitcoin network the wallet operates on
type Network string

const (
	// NetworkMainnet is the Bitcoin main network
	NetworkMainnet Network = "mainnet"
	// NetworkTestnet is testnet3
	NetworkTestnet Network = "testnet"
	// NetworkSignet is the default signet
	NetworkSignet Network = "signet"
	// NetworkRegtest is a local regression test network
	NetworkRegtest Network = "regtest"
)

// Valid reports whether n is a supported network
func (n Network) Valid() bool {
	switch n {
	case NetworkMainnet, NetworkTestnet, NetworkSignet, NetworkRegtest:
		return true
	}
	return false
}

// AddressClass represents the three kinds of wallet addresses
type AddressClass string

const (
	// AddressOnchain is a BIP84 P2WPKH receive address
	AddressOnchain AddressClass = "onchain"
	// AddressOffchain is an Ark address receiving virtual outputs
	AddressOffchain AddressClass = "offchain"
	// AddressBoarding is a 2-of-2 script shared with the coordinator.
	// Funds sent here can only leave through a round or after its timeout.
	AddressBoarding AddressClass = "boarding"
)

// Valid reports whether c is a known address class
func (c AddressClass) Valid() bool {
	switch c {
	case AddressOnchain, AddressOffchain, AddressBoarding:
		return true
	}
	return false
}

// Derived reports whether addresses of this class come from the local key tree
func (c AddressClass) Derived() bool {
	return c == AddressOnchain || c == AddressOffchain
}

// ParseAddressClass parses a string into an AddressClass
func ParseAddressClass(s string) (AddressClass, error) {
	c := AddressClass(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown address class %q", s)
	}
	return c, nil
}

// TransactionType classifies a ledger row. The set is closed.
type TransactionType string

const (
	// TxBoarding is a deposit into a boarding address
	TxBoarding TransactionType = "boarding"
	// TxOnchainSend is a payment out of the on-chain wallet
	TxOnchainSend TransactionType = "onchain_send"
	// TxOnchainReceive is a payment into an on-chain address
	TxOnchainReceive TransactionType = "onchain_receive"
	// TxOffchainSend is an Ark payment out of the wallet
	TxOffchainSend TransactionType = "offchain_send"
	// TxOffchainReceive is a virtual output received at an Ark address
	TxOffchainReceive TransactionType = "offchain_receive"
	// TxExit is a unilateral exit of a virtual output
	TxExit TransactionType = "exit"
)

// AllTransactionTypes lists every transaction type
var AllTransactionTypes = []TransactionType{
	TxBoarding, TxOnchainSend, TxOnchainReceive,
	TxOffchainSend, TxOffchainReceive, TxExit,
}

// Valid reports whether t is a known transaction type
func (t TransactionType) Valid() bool {
	switch t {
	case TxBoarding, TxOnchainSend, TxOnchainReceive,
		TxOffchainSend, TxOffchainReceive, TxExit:
		return true
	}
	return false
}

// Offchain reports whether t is tracked by the settlement coordinator
func (t TransactionType) Offchain() bool {
	switch t {
	case TxOffchainSend, TxOffchainReceive, TxExit:
		return true
	}
	return false
}

// ParseTransactionType parses a string into a TransactionType
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown transaction type %q", s)
	}
	return t, nil
}

// SettlementStatus is the settlement state of a ledger row.
// The zero value means cancelled (stored as NULL).
type SettlementStatus string

const (
	// StatusCancelled marks a row that will never settle
	StatusCancelled SettlementStatus = ""
	// StatusPending marks a row awaiting confirmation or a round
	StatusPending SettlementStatus = "pending"
	// StatusSettled marks a final row
	StatusSettled SettlementStatus = "settled"
)

// String returns a printable form of the status
func (s SettlementStatus) String() string {
	if s == StatusCancelled {
		return "cancelled"
	}
	return string(s)
}

// CanTransitionTo reports whether a row in status s may move to next.
// Settled and cancelled rows are final.
func (s SettlementStatus) CanTransitionTo(next SettlementStatus) bool {
	if s == next {
		return false
	}
	return s == StatusPending
}

// Priority is a fee priority tier
type Priority string

const (
	// PriorityFastest targets the next block
	PriorityFastest Priority = "fastest"
	// PriorityFast targets roughly three blocks
	PriorityFast Priority = "fast"
	// PriorityNormal targets roughly six blocks
	PriorityNormal Priority = "normal"
	// PrioritySlow targets roughly a day
	PrioritySlow Priority = "slow"
)

// ParsePriority parses a string into a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityFastest, PriorityFast, PriorityNormal, PrioritySlow:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// RoundState is the state of one round participation attempt
type RoundState string

const (
	// RoundIdle is the entry state
	RoundIdle RoundState = "idle"
	// RoundRequested means inputs were selected and registration started
	RoundRequested RoundState = "requested"
	// RoundAwaitingResponse means the coordinator holds the registration
	RoundAwaitingResponse RoundState = "awaiting_coordinator_response"
	// RoundCommitted means the coordinator accepted and the ledger was updated
	RoundCommitted RoundState = "committed"
	// RoundFailed means the coordinator rejected or timed out
	RoundFailed RoundState = "failed"
)

var roundTransitions = map[RoundState][]RoundState{
	RoundIdle:             {RoundRequested},
	RoundRequested:        {RoundAwaitingResponse, RoundFailed},
	RoundAwaitingResponse: {RoundCommitted, RoundFailed},
}

// CanTransitionTo reports whether the round state machine allows s -> next
func (s RoundState) CanTransitionTo(next RoundState) bool {
	for _, allowed := range roundTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final state
func (s RoundState) Terminal() bool {
	return s == RoundCommitted || s == RoundFailed
}

// VtxoStatus is the coordinator-side state of a virtual output
type VtxoStatus string

const (
	// VtxoPreconfirmed is spendable off-chain but not yet anchored by a round
	VtxoPreconfirmed VtxoStatus = "preconfirmed"
	// VtxoConfirmed is anchored in a committed round
	VtxoConfirmed VtxoStatus = "confirmed"
	// VtxoSpent was consumed by a later off-chain transaction or round
	VtxoSpent VtxoStatus = "spent"
	// VtxoSwept expired and was reclaimed by the coordinator
	VtxoSwept VtxoStatus = "swept"
)

// ExitUrgency ranks exit recommendations
type ExitUrgency string

const (
	UrgencyLow      ExitUrgency = "low"
	UrgencyMedium   ExitUrgency = "medium"
	UrgencyHigh     ExitUrgency = "high"
	UrgencyCritical ExitUrgency = "critical"
)

// ExitReason explains an exit recommendation
type ExitReason string

const (
	ExitReasonServerUnresponsive ExitReason = "server_unresponsive"
	ExitReasonNearExpiry         ExitReason = "near_expiry"
	ExitReasonStuckTransaction   ExitReason = "stuck_transaction"
	ExitReasonUserRequested      ExitReason = "user_requested"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
