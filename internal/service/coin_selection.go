package service

import (
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"

	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/types"
)

// Selection is the outcome of coin selection
type Selection struct {
	Inputs []models.Output
	Fee    int64
	// Change is zero when the remainder was dust and went to the fee
	Change int64
	VSize  int
}

// Total returns the summed value of the selected inputs
func (s *Selection) Total() int64 {
	var total int64
	for _, in := range s.Inputs {
		total += in.Value
	}
	return total
}

// FeeFunc prices a transaction of vsize virtual bytes
type FeeFunc func(vsize int) int64

// CoinSelector picks on-chain inputs for a payment
type CoinSelector interface {
	Select(candidates []models.Output, dest *wire.TxOut, fee FeeFunc) (*Selection, error)
}

// LargestFirst spends the biggest confirmed outputs first, which keeps the
// input count and therefore the fee low
type LargestFirst struct{}

// Eligible filters candidates to outputs that may fund an on-chain send:
// confirmed and owned by an on-chain class address. Boarding outputs are
// locked to the coordinator and never qualify.
func Eligible(candidates []models.Output) []models.Output {
	eligible := make([]models.Output, 0, len(candidates))
	for _, c := range candidates {
		if c.Class != types.AddressOnchain || !c.Confirmed || c.Value <= 0 {
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible
}

// Select implements CoinSelector
func (LargestFirst) Select(candidates []models.Output, dest *wire.TxOut, fee FeeFunc) (*Selection, error) {
	eligible := Eligible(candidates)
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Value > eligible[j].Value
	})

	var (
		total    int64
		lastFee  int64
		outs     = []*wire.TxOut{dest}
		relayFee = txrules.DefaultRelayFeePerKb
	)
	for n := 1; n <= len(eligible); n++ {
		total += eligible[n-1].Value

		// Price the transaction with a change output first
		vsize := txsizes.EstimateVirtualSize(0, 0, n, 0, outs, txsizes.P2WPKHPkScriptSize)
		withChange := fee(vsize)
		lastFee = withChange

		change := total - dest.Value - withChange
		if change >= 0 && !txrules.IsDustAmount(btcutil.Amount(change), txsizes.P2WPKHPkScriptSize, relayFee) {
			return &Selection{
				Inputs: append([]models.Output(nil), eligible[:n]...),
				Fee:    withChange,
				Change: change,
				VSize:  vsize,
			}, nil
		}

		// Without change the remainder, dust or exact, is all fee
		vsize = txsizes.EstimateVirtualSize(0, 0, n, 0, outs, 0)
		noChange := fee(vsize)
		if rest := total - dest.Value; rest >= noChange {
			return &Selection{
				Inputs: append([]models.Output(nil), eligible[:n]...),
				Fee:    rest,
				VSize:  vsize,
			}, nil
		}
	}

	var available int64
	for _, c := range eligible {
		available += c.Value
	}
	if lastFee == 0 {
		vsize := txsizes.EstimateVirtualSize(0, 0, 1, 0, outs, txsizes.P2WPKHPkScriptSize)
		lastFee = fee(vsize)
	}
	return nil, apperrors.NewInsufficientFundsError(dest.Value+lastFee, available)
}
