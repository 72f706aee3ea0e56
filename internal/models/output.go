package models

import (
	"fmt"

	"github.com/ark-custody/internal/types"
)

// Output is a spendable unit owned by one of the wallet's addresses.
// On-chain UTXOs and off-chain VTXOs share this shape; the off-chain
// fields are zero for UTXOs.
type Output struct {
	TxID      string             `json:"txid"`
	Vout      uint32             `json:"vout"`
	Value     int64              `json:"value"`
	Address   string             `json:"address"`
	Class     types.AddressClass `json:"class"`
	Confirmed bool               `json:"confirmed"`
	// BlockHeight is the confirmation height, zero while unconfirmed
	BlockHeight int64 `json:"blockHeight,omitempty"`
	// BlockTime is the confirmation time in unix seconds
	BlockTime int64 `json:"blockTime,omitempty"`

	// VtxoStatus is set for off-chain outputs only
	VtxoStatus types.VtxoStatus `json:"vtxoStatus,omitempty"`
	// ExpiresAt is the unix time at which the coordinator may sweep the output
	ExpiresAt int64 `json:"expiresAt,omitempty"`
	// ExitDelayBlocks is the relative timelock of the unilateral exit path
	ExitDelayBlocks int64 `json:"exitDelayBlocks,omitempty"`
	// CreatedAt is when the coordinator first saw the output, unix seconds
	CreatedAt int64 `json:"createdAt,omitempty"`
}

// Outpoint returns the txid:vout form of the output
func (o *Output) Outpoint() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Vout)
}

// Spendable reports whether a virtual output can still be used or exited
func (o *Output) Spendable() bool {
	return o.VtxoStatus != types.VtxoSpent && o.VtxoStatus != types.VtxoSwept
}

// ChainTx is an indexer view of a transaction touching a watched address
type ChainTx struct {
	TxID      string
	Confirmed bool
	BlockTime int64
	Fee       int64
	Inputs    []ChainTxIO
	Outputs   []ChainTxIO
}

// ChainTxIO is one input prevout or output of a ChainTx
type ChainTxIO struct {
	Address string
	Value   int64
}
