package adapter

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/types"
)

// ArkClient talks to the REST gateway of an Ark server
type ArkClient struct {
	rest *restClient
}

// NewArkClient creates a client for the Ark server at baseURL
func NewArkClient(baseURL string, timeout time.Duration) *ArkClient {
	return &ArkClient{rest: newRestClient(baseURL, timeout)}
}

var _ SettlementCoordinator = (*ArkClient)(nil)

type arkInfoResponse struct {
	SignerPubKey        string `json:"signerPubkey"`
	Network             string `json:"network"`
	UnilateralExitDelay int64  `json:"unilateralExitDelay"`
	BoardingExitDelay   int64  `json:"boardingExitDelay"`
	RoundInterval       int64  `json:"roundInterval"`
	Dust                int64  `json:"dust"`
}

type arkVtxo struct {
	TxID            string `json:"txid"`
	Vout            uint32 `json:"vout"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
	ExpiresAt       int64  `json:"expiresAt"`
	CreatedAt       int64  `json:"createdAt"`
	ConfirmedHeight int64  `json:"confirmedHeight,omitempty"`
	ExitDelay       int64  `json:"exitDelay,omitempty"`
}

type arkInput struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Amount   int64  `json:"amount"`
	Boarding bool   `json:"boarding,omitempty"`
}

type arkTxidResponse struct {
	TxID string `json:"txid"`
}

// GetInfo returns the server's signer key and protocol parameters
func (c *ArkClient) GetInfo(ctx context.Context) (*models.CoordinatorInfo, error) {
	var resp arkInfoResponse
	if err := c.rest.getJSON(ctx, "/v1/info", &resp); err != nil {
		return nil, err
	}

	pubkey, err := hex.DecodeString(resp.SignerPubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signer pubkey: %w", err)
	}

	return &models.CoordinatorInfo{
		SignerPubKey:    pubkey,
		Network:         types.Network(resp.Network),
		ExitDelayBlocks: resp.UnilateralExitDelay,
		BoardingDelay:   resp.BoardingExitDelay,
		RoundInterval:   time.Duration(resp.RoundInterval) * time.Second,
		Dust:            resp.Dust,
	}, nil
}

// GetBoardingAddress negotiates the boarding address of a wallet pubkey
func (c *ArkClient) GetBoardingAddress(ctx context.Context, pubkey []byte) (string, error) {
	req := map[string]string{"pubkey": hex.EncodeToString(pubkey)}

	var resp struct {
		Address string `json:"address"`
	}
	if err := c.rest.postJSON(ctx, "/v1/boarding", req, &resp); err != nil {
		return "", err
	}
	if resp.Address == "" {
		return "", fmt.Errorf("server returned an empty boarding address")
	}
	return resp.Address, nil
}

// GetOffchainOutputs lists the virtual outputs paying an Ark address
func (c *ArkClient) GetOffchainOutputs(ctx context.Context, address string) ([]models.Output, error) {
	var resp struct {
		Vtxos []arkVtxo `json:"vtxos"`
	}
	if err := c.rest.getJSON(ctx, "/v1/vtxos/"+url.PathEscape(address), &resp); err != nil {
		return nil, err
	}

	outputs := make([]models.Output, 0, len(resp.Vtxos))
	for _, v := range resp.Vtxos {
		status := types.VtxoStatus(v.Status)
		outputs = append(outputs, models.Output{
			TxID:            v.TxID,
			Vout:            v.Vout,
			Value:           v.Amount,
			Address:         address,
			Class:           types.AddressOffchain,
			Confirmed:       status == types.VtxoConfirmed,
			BlockHeight:     v.ConfirmedHeight,
			VtxoStatus:      status,
			ExpiresAt:       v.ExpiresAt,
			ExitDelayBlocks: v.ExitDelay,
			CreatedAt:       v.CreatedAt,
		})
	}
	return outputs, nil
}

// SubmitRound registers inputs for the next round and waits for the
// server's verdict. A refusal comes back as Accepted=false.
func (c *ArkClient) SubmitRound(ctx context.Context, inputs []models.Output) (*models.RoundResult, error) {
	req := struct {
		Inputs []arkInput `json:"inputs"`
	}{Inputs: toArkInputs(inputs)}

	var result models.RoundResult
	if err := c.rest.postJSON(ctx, "/v1/round/register", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitExit asks the server for the exit branch of a virtual output and
// returns the txid of the broadcast leaf
func (c *ArkClient) SubmitExit(ctx context.Context, vtxo models.Output) (string, error) {
	req := arkInput{TxID: vtxo.TxID, Vout: vtxo.Vout, Amount: vtxo.Value}

	var resp arkTxidResponse
	if err := c.rest.postJSON(ctx, "/v1/exit", req, &resp); err != nil {
		return "", err
	}
	return resp.TxID, nil
}

// SendOffchain builds and submits an Ark payment
func (c *ArkClient) SendOffchain(ctx context.Context, sendReq *models.OffchainSendRequest) (string, error) {
	req := struct {
		Inputs        []arkInput `json:"inputs"`
		Destination   string     `json:"destination"`
		Amount        int64      `json:"amount"`
		ChangeAddress string     `json:"changeAddress"`
	}{
		Inputs:        toArkInputs(sendReq.Inputs),
		Destination:   sendReq.Destination,
		Amount:        sendReq.Amount,
		ChangeAddress: sendReq.ChangeAddress,
	}

	var resp arkTxidResponse
	if err := c.rest.postJSON(ctx, "/v1/send", req, &resp); err != nil {
		return "", err
	}
	return resp.TxID, nil
}

func toArkInputs(outputs []models.Output) []arkInput {
	inputs := make([]arkInput, 0, len(outputs))
	for _, o := range outputs {
		inputs = append(inputs, arkInput{
			TxID:     o.TxID,
			Vout:     o.Vout,
			Amount:   o.Value,
			Boarding: o.Class == types.AddressBoarding,
		})
	}
	return inputs
}
