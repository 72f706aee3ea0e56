package adapter

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ark-custody/internal/models"
)

// Esplora returns at most this many confirmed transactions per page
const esploraChainPageSize = 25

// Confirmation targets queried for each fee tier
const (
	targetFastest = 1
	targetFast    = 3
	targetNormal  = 6
	targetSlow    = 144
	targetMinimum = 1008
)

// EsploraClient talks to an Esplora REST API
type EsploraClient struct {
	rest *restClient
}

// NewEsploraClient creates a client for the Esplora instance at baseURL
func NewEsploraClient(baseURL string, timeout time.Duration) *EsploraClient {
	return &EsploraClient{rest: newRestClient(baseURL, timeout)}
}

var _ OnchainIndexer = (*EsploraClient)(nil)

type esploraTxStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height,omitempty"`
	BlockTime   int64 `json:"block_time,omitempty"`
}

type esploraUTXO struct {
	TxID   string          `json:"txid"`
	Vout   uint32          `json:"vout"`
	Status esploraTxStatus `json:"status"`
	Value  int64           `json:"value"`
}

type esploraVout struct {
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            int64  `json:"value"`
}

type esploraVin struct {
	TxID    string       `json:"txid"`
	Vout    uint32       `json:"vout"`
	PrevOut *esploraVout `json:"prevout,omitempty"`
}

type esploraTx struct {
	TxID   string          `json:"txid"`
	Fee    int64           `json:"fee"`
	Vin    []esploraVin    `json:"vin"`
	Vout   []esploraVout   `json:"vout"`
	Status esploraTxStatus `json:"status"`
}

type esploraStats struct {
	FundedTxoSum int64 `json:"funded_txo_sum"`
	SpentTxoSum  int64 `json:"spent_txo_sum"`
}

type esploraAddress struct {
	Address      string       `json:"address"`
	ChainStats   esploraStats `json:"chain_stats"`
	MempoolStats esploraStats `json:"mempool_stats"`
}

// GetUtxos returns the unspent outputs of an address. The caller sets
// the address class.
func (c *EsploraClient) GetUtxos(ctx context.Context, address string) ([]models.Output, error) {
	var utxos []esploraUTXO
	if err := c.rest.getJSON(ctx, "/address/"+url.PathEscape(address)+"/utxo", &utxos); err != nil {
		return nil, err
	}

	outputs := make([]models.Output, 0, len(utxos))
	for _, u := range utxos {
		outputs = append(outputs, models.Output{
			TxID:        u.TxID,
			Vout:        u.Vout,
			Value:       u.Value,
			Address:     address,
			Confirmed:   u.Status.Confirmed,
			BlockHeight: u.Status.BlockHeight,
			BlockTime:   u.Status.BlockTime,
		})
	}
	return outputs, nil
}

// GetBalance returns the confirmed and mempool balance of an address
func (c *EsploraClient) GetBalance(ctx context.Context, address string) (*models.AddressBalance, error) {
	var info esploraAddress
	if err := c.rest.getJSON(ctx, "/address/"+url.PathEscape(address), &info); err != nil {
		return nil, err
	}
	return &models.AddressBalance{
		Address:   address,
		Confirmed: info.ChainStats.FundedTxoSum - info.ChainStats.SpentTxoSum,
		Pending:   info.MempoolStats.FundedTxoSum - info.MempoolStats.SpentTxoSum,
	}, nil
}

// EstimateFeeRates maps Esplora's per-target estimates onto the fee tiers.
// A tier whose target is missing takes the next slower target present.
func (c *EsploraClient) EstimateFeeRates(ctx context.Context) (*models.FeeRates, error) {
	var estimates map[string]float64
	if err := c.rest.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return nil, err
	}
	if len(estimates) == 0 {
		return nil, fmt.Errorf("%w: indexer returned no fee estimates", ErrProviderUnavailable)
	}

	byTarget := make(map[int]float64, len(estimates))
	for k, v := range estimates {
		target, err := strconv.Atoi(k)
		if err != nil || v <= 0 {
			continue
		}
		byTarget[target] = v
	}

	pick := func(target int) float64 {
		best, bestTarget := 0.0, 0
		for t, rate := range byTarget {
			if t >= target && (bestTarget == 0 || t < bestTarget) {
				best, bestTarget = rate, t
			}
		}
		if bestTarget == 0 {
			// Nothing slower, use the slowest available
			for t, rate := range byTarget {
				if t > bestTarget {
					best, bestTarget = rate, t
				}
			}
		}
		return best
	}

	rates := &models.FeeRates{
		Fastest: pick(targetFastest),
		Fast:    pick(targetFast),
		Normal:  pick(targetNormal),
		Slow:    pick(targetSlow),
		Minimum: pick(targetMinimum),
	}
	if rates.Fastest == 0 {
		return nil, fmt.Errorf("%w: no usable fee estimate", ErrProviderUnavailable)
	}
	return rates, nil
}

// Broadcast submits a serialized transaction and returns its txid
func (c *EsploraClient) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	body, err := c.rest.do(ctx, http.MethodPost, "/tx", "text/plain",
		strings.NewReader(hex.EncodeToString(rawTx)))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// GetAddressTxs returns every transaction touching an address, paging
// through the confirmed history
func (c *EsploraClient) GetAddressTxs(ctx context.Context, address string) ([]models.ChainTx, error) {
	base := "/address/" + url.PathEscape(address) + "/txs"

	var page []esploraTx
	if err := c.rest.getJSON(ctx, base, &page); err != nil {
		return nil, err
	}

	var all []esploraTx
	all = append(all, page...)

	confirmed := confirmedOnly(page)
	for len(confirmed) == esploraChainPageSize {
		lastSeen := confirmed[len(confirmed)-1].TxID
		page = nil
		if err := c.rest.getJSON(ctx, base+"/chain/"+lastSeen, &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		confirmed = confirmedOnly(page)
	}

	txs := make([]models.ChainTx, 0, len(all))
	for _, tx := range all {
		txs = append(txs, convertEsploraTx(tx))
	}
	return txs, nil
}

// GetTipHeight returns the height of the best block
func (c *EsploraClient) GetTipHeight(ctx context.Context) (int64, error) {
	body, err := c.rest.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}
	return height, nil
}

func confirmedOnly(txs []esploraTx) []esploraTx {
	out := make([]esploraTx, 0, len(txs))
	for _, tx := range txs {
		if tx.Status.Confirmed {
			out = append(out, tx)
		}
	}
	return out
}

func convertEsploraTx(tx esploraTx) models.ChainTx {
	ct := models.ChainTx{
		TxID:      tx.TxID,
		Confirmed: tx.Status.Confirmed,
		BlockTime: tx.Status.BlockTime,
		Fee:       tx.Fee,
		Inputs:    make([]models.ChainTxIO, 0, len(tx.Vin)),
		Outputs:   make([]models.ChainTxIO, 0, len(tx.Vout)),
	}
	for _, in := range tx.Vin {
		if in.PrevOut == nil {
			continue
		}
		ct.Inputs = append(ct.Inputs, models.ChainTxIO{
			Address: in.PrevOut.ScriptPubKeyAddr,
			Value:   in.PrevOut.Value,
		})
	}
	for _, out := range tx.Vout {
		ct.Outputs = append(ct.Outputs, models.ChainTxIO{
			Address: out.ScriptPubKeyAddr,
			Value:   out.Value,
		})
	}
	return ct
}
