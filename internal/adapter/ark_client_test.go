package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/types"
)

func newArkServer(t *testing.T, mux *http.ServeMux) *ArkClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewArkClient(srv.URL, 5*time.Second)
}

func TestArkClient_GetInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/info", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"signerPubkey":"02aabb","network":"regtest",
			"unilateralExitDelay":512,"boardingExitDelay":1024,"roundInterval":10,"dust":330}`)
	})
	client := newArkServer(t, mux)

	info, err := client.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0xaa, 0xbb}, info.SignerPubKey)
	assert.Equal(t, types.NetworkRegtest, info.Network)
	assert.Equal(t, int64(512), info.ExitDelayBlocks)
	assert.Equal(t, 10*time.Second, info.RoundInterval)
	assert.Equal(t, int64(330), info.Dust)
}

func TestArkClient_GetBoardingAddress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/boarding", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "0102", req["pubkey"])
		fmt.Fprint(w, `{"address":"bcrt1pboarding"}`)
	})
	client := newArkServer(t, mux)

	addr, err := client.GetBoardingAddress(context.Background(), []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, "bcrt1pboarding", addr)
}

func TestArkClient_GetOffchainOutputs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/vtxos/tark1xyz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"vtxos":[
			{"txid":"v1","vout":0,"amount":40000,"status":"confirmed","expiresAt":1800000000,"confirmedHeight":150,"exitDelay":512},
			{"txid":"v2","vout":1,"amount":1000,"status":"preconfirmed","expiresAt":1800000000}
		]}`)
	})
	client := newArkServer(t, mux)

	vtxos, err := client.GetOffchainOutputs(context.Background(), "tark1xyz")
	require.NoError(t, err)
	require.Len(t, vtxos, 2)

	assert.Equal(t, types.AddressOffchain, vtxos[0].Class)
	assert.True(t, vtxos[0].Confirmed)
	assert.Equal(t, int64(150), vtxos[0].BlockHeight)
	assert.Equal(t, int64(512), vtxos[0].ExitDelayBlocks)
	assert.Equal(t, types.VtxoPreconfirmed, vtxos[1].VtxoStatus)
	assert.False(t, vtxos[1].Confirmed)
}

func TestArkClient_SubmitRound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/round/register", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs []arkInput `json:"inputs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Inputs, 2)
		assert.True(t, req.Inputs[0].Boarding)
		assert.False(t, req.Inputs[1].Boarding)
		fmt.Fprint(w, `{"roundId":"r1","commitmentTxid":"c1","accepted":true}`)
	})
	client := newArkServer(t, mux)

	res, err := client.SubmitRound(context.Background(), []models.Output{
		{TxID: "b1", Value: 10000, Class: types.AddressBoarding},
		{TxID: "v1", Value: 2000, Class: types.AddressOffchain},
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "r1", res.RoundID)
	assert.Equal(t, "c1", res.CommitmentTxID)
}

func TestArkClient_SendOffchainRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/send", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"vtxo already spent"}`)
	})
	client := newArkServer(t, mux)

	_, err := client.SendOffchain(context.Background(), &models.OffchainSendRequest{
		Destination: "tark1dest",
		Amount:      1000,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, "vtxo already spent", RejectReason(err))
}

func TestArkClient_SubmitExit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/exit", func(w http.ResponseWriter, r *http.Request) {
		var req arkInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "v1", req.TxID)
		fmt.Fprint(w, `{"txid":"leaf1"}`)
	})
	client := newArkServer(t, mux)

	txid, err := client.SubmitExit(context.Background(), models.Output{TxID: "v1", Value: 40000})
	require.NoError(t, err)
	assert.Equal(t, "leaf1", txid)
}
