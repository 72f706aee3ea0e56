package keychain

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ark-custody/internal/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var testSealParams = SealParams{Memory: 1024, Iterations: 1, Parallelism: 1}

func newTestKeyRing(network types.Network, params *chaincfg.Params) *KeyRing {
	return NewKeyRing(network, params, []byte("test-encryption-key"), testSealParams)
}

func TestSealRoundTrip(t *testing.T) {
	secret := []byte("seed bytes")

	sealed, err := Seal(secret, []byte("pw"), testSealParams)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "seed bytes")

	opened, err := Unseal(sealed, []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, secret, opened)

	_, err = Unseal(sealed, []byte("wrong"))
	assert.ErrorIs(t, err, ErrUnseal)

	_, err = Unseal(sealed[:10], []byte("pw"))
	assert.Error(t, err)
}

func TestNewWallet(t *testing.T) {
	kr := newTestKeyRing(types.NetworkRegtest, &chaincfg.RegressionNetParams)

	keys, err := kr.NewWallet()
	require.NoError(t, err)

	assert.Len(t, strings.Fields(keys.Mnemonic), 24)
	assert.Len(t, keys.AccountPubKey, 33)
	assert.NotEmpty(t, keys.SealedSeed)
}

func TestFromMnemonic_Invalid(t *testing.T) {
	kr := newTestKeyRing(types.NetworkRegtest, &chaincfg.RegressionNetParams)

	_, err := kr.FromMnemonic("abandon abandon abandon")
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestOnchainAddress_BIP84Vector(t *testing.T) {
	kr := newTestKeyRing(types.NetworkMainnet, &chaincfg.MainNetParams)
	keys, err := kr.FromMnemonic(testMnemonic)
	require.NoError(t, err)

	addr, err := kr.OnchainAddress(keys.SealedSeed, 0)
	require.NoError(t, err)
	assert.Equal(t, "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu", addr)

	next, err := kr.OnchainAddress(keys.SealedSeed, 1)
	require.NoError(t, err)
	assert.NotEqual(t, addr, next)
}

func TestOnchainAddress_Exhausted(t *testing.T) {
	kr := newTestKeyRing(types.NetworkRegtest, &chaincfg.RegressionNetParams)
	keys, err := kr.FromMnemonic(testMnemonic)
	require.NoError(t, err)

	_, err = kr.OnchainAddress(keys.SealedSeed, hdkeychain.HardenedKeyStart)
	assert.ErrorIs(t, err, ErrIndexExhausted)
}

func TestOffchainAddress_UsesTaprootOutputKey(t *testing.T) {
	kr := newTestKeyRing(types.NetworkMainnet, &chaincfg.MainNetParams)
	keys, err := kr.FromMnemonic(testMnemonic)
	require.NoError(t, err)

	serverKey := testServerKey(t)

	addr, err := kr.OffchainAddress(keys.SealedSeed, 0, serverKey)
	require.NoError(t, err)

	decoded, err := DecodeArkAddress(addr)
	require.NoError(t, err)
	assert.Equal(t, ArkHRPMainnet, decoded.HRP)
	assert.Equal(t, serverKey, schnorr.SerializePubKey(decoded.ServerKey))
	// BIP86 test vector output key for m/86'/0'/0'/0/0
	assert.Equal(t,
		"a60869f0dbcf1dc659c9cecbaf8050135ea9e8cdc487053f1dc6880949dc684c",
		hex.EncodeToString(schnorr.SerializePubKey(decoded.VtxoTapKey)),
	)
}

func TestArkAddress_Validation(t *testing.T) {
	kr := newTestKeyRing(types.NetworkRegtest, &chaincfg.RegressionNetParams)
	keys, err := kr.FromMnemonic(testMnemonic)
	require.NoError(t, err)

	addr, err := kr.OffchainAddress(keys.SealedSeed, 3, testServerKey(t))
	require.NoError(t, err)

	assert.NoError(t, ValidateArkAddress(addr, types.NetworkRegtest))
	assert.ErrorIs(t, ValidateArkAddress(addr, types.NetworkMainnet), ErrInvalidArkAddress)
	assert.ErrorIs(t, ValidateArkAddress("bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080", types.NetworkRegtest), ErrInvalidArkAddress)
	assert.ErrorIs(t, ValidateArkAddress("not an address", types.NetworkRegtest), ErrInvalidArkAddress)
}

func TestSignP2WPKH_Verifies(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	kr := newTestKeyRing(types.NetworkRegtest, params)
	keys, err := kr.FromMnemonic(testMnemonic)
	require.NoError(t, err)

	addrStr, err := kr.OnchainAddress(keys.SealedSeed, 2)
	require.NoError(t, err)
	addr, err := btcutil.DecodeAddress(addrStr, params)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	const value = 1_000_000
	tx := wire.NewMsgTx(2)
	prev := wire.NewOutPoint(&chainhash.Hash{1}, 0)
	tx.AddTxIn(wire.NewTxIn(prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value-200, pkScript))

	err = kr.SignP2WPKH(keys.SealedSeed, tx, []SignInput{
		{DerivationIndex: 2, Value: value, PkScript: pkScript},
	})
	require.NoError(t, err)
	require.Len(t, tx.TxIn[0].Witness, 2)

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, value)
	vm, err := txscript.NewEngine(
		pkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), value, fetcher,
	)
	require.NoError(t, err)
	assert.NoError(t, vm.Execute())
}

func TestSignP2WPKH_InputMismatch(t *testing.T) {
	kr := newTestKeyRing(types.NetworkRegtest, &chaincfg.RegressionNetParams)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, 0), nil, nil))

	assert.Error(t, kr.SignP2WPKH(nil, tx, nil))
}

func testServerKey(t *testing.T) []byte {
	t.Helper()
	// x-only generator point
	key, err := hex.DecodeString("79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	require.NoError(t, err)
	return key
}
