// Package keychain holds wallet key material: mnemonic generation, seed
// sealing, BIP84 and taproot key derivation, Ark address encoding and
// P2WPKH signing.
package keychain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/tyler-smith/go-bip39"

	"github.com/ark-custody/internal/types"
)

const (
	// purposeSegwit is the BIP84 purpose for native segwit keys
	purposeSegwit = 84
	// purposeTaproot is the BIP86 purpose used for off-chain user keys
	purposeTaproot = 86

	mnemonicEntropyBits = 256
)

var (
	// ErrIndexExhausted is returned once a derivation counter reaches the
	// hardened range.
	ErrIndexExhausted = errors.New("derivation index exhausted")

	// ErrInvalidMnemonic is returned for mnemonics that fail the bip39 checksum.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)

// WalletKeys is the output of wallet creation. Mnemonic is shown to the
// user once and never stored.
type WalletKeys struct {
	Mnemonic      string
	SealedSeed    []byte
	AccountPubKey []byte
}

// SignInput describes the previous output spent by a transaction input.
type SignInput struct {
	DerivationIndex uint32
	Value           int64
	PkScript        []byte
}

// KeyRing derives addresses and signs transactions from sealed seeds.
type KeyRing struct {
	params     *chaincfg.Params
	network    types.Network
	password   []byte
	sealParams SealParams
}

// NewKeyRing creates a key ring for the network, sealing seeds with password.
func NewKeyRing(network types.Network, params *chaincfg.Params, password []byte, sealParams SealParams) *KeyRing {
	return &KeyRing{
		params:     params,
		network:    network,
		password:   password,
		sealParams: sealParams,
	}
}

// Params returns the chain parameters of the key ring.
func (k *KeyRing) Params() *chaincfg.Params {
	return k.params
}

// NewWallet generates a fresh 24 word mnemonic and seals its seed.
func (k *KeyRing) NewWallet() (*WalletKeys, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return k.FromMnemonic(mnemonic)
}

// FromMnemonic seals the seed of an existing mnemonic.
func (k *KeyRing) FromMnemonic(mnemonic string) (*WalletKeys, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")
	defer zero(seed)

	account, err := k.accountKey(seed, purposeSegwit)
	if err != nil {
		return nil, err
	}
	pub, err := account.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get account public key: %w", err)
	}

	sealed, err := Seal(seed, k.password, k.sealParams)
	if err != nil {
		return nil, fmt.Errorf("failed to seal seed: %w", err)
	}

	return &WalletKeys{
		Mnemonic:      mnemonic,
		SealedSeed:    sealed,
		AccountPubKey: pub.SerializeCompressed(),
	}, nil
}

// accountKey derives m/purpose'/coin'/0'.
func (k *KeyRing) accountKey(seed []byte, purpose uint32) (*hdkeychain.ExtendedKey, error) {
	master, err := hdkeychain.NewMaster(seed, k.params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + k.params.HDCoinType,
		hdkeychain.HardenedKeyStart,
	}
	key := master
	for _, i := range path {
		key, err = key.Derive(i)
		if err != nil {
			return nil, fmt.Errorf("failed to derive account key: %w", err)
		}
	}
	return key, nil
}

// childKey derives m/purpose'/coin'/0'/0/index from a sealed seed.
func (k *KeyRing) childKey(sealedSeed []byte, purpose, index uint32) (*hdkeychain.ExtendedKey, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, ErrIndexExhausted
	}

	seed, err := Unseal(sealedSeed, k.password)
	if err != nil {
		return nil, err
	}
	defer zero(seed)

	account, err := k.accountKey(seed, purpose)
	if err != nil {
		return nil, err
	}
	external, err := account.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive branch: %w", err)
	}
	child, err := external.Derive(index)
	if errors.Is(err, hdkeychain.ErrInvalidChild) {
		return nil, fmt.Errorf("%w: invalid child at %d", ErrIndexExhausted, index)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to derive child %d: %w", index, err)
	}
	return child, nil
}

// OnchainAddress returns the BIP84 P2WPKH address at index.
func (k *KeyRing) OnchainAddress(sealedSeed []byte, index uint32) (string, error) {
	child, err := k.childKey(sealedSeed, purposeSegwit, index)
	if err != nil {
		return "", err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("failed to get public key: %w", err)
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), k.params)
	if err != nil {
		return "", fmt.Errorf("failed to build address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// OffchainAddress returns the Ark address at index for the coordinator's
// signer key.
func (k *KeyRing) OffchainAddress(sealedSeed []byte, index uint32, serverKey []byte) (string, error) {
	server, err := parseServerKey(serverKey)
	if err != nil {
		return "", err
	}

	child, err := k.childKey(sealedSeed, purposeTaproot, index)
	if err != nil {
		return "", err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("failed to get public key: %w", err)
	}

	addr := &ArkAddress{
		HRP:        ArkHRP(k.network),
		Version:    arkAddressVersion,
		ServerKey:  server,
		VtxoTapKey: txscript.ComputeTaprootKeyNoScript(pub),
	}
	return addr.Encode()
}

func parseServerKey(key []byte) (*btcec.PublicKey, error) {
	switch len(key) {
	case 32:
		return schnorr.ParsePubKey(key)
	case 33:
		return btcec.ParsePubKey(key)
	default:
		return nil, fmt.Errorf("server key has invalid length %d", len(key))
	}
}

// SignP2WPKH signs every input of tx. inputs[i] describes tx.TxIn[i].
func (k *KeyRing) SignP2WPKH(sealedSeed []byte, tx *wire.MsgTx, inputs []SignInput) error {
	if len(inputs) != len(tx.TxIn) {
		return fmt.Errorf("have %d sign inputs for %d tx inputs", len(inputs), len(tx.TxIn))
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	for i, in := range inputs {
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(in.Value, in.PkScript)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, in := range inputs {
		child, err := k.childKey(sealedSeed, purposeSegwit, in.DerivationIndex)
		if err != nil {
			return err
		}
		priv, err := child.ECPrivKey()
		if err != nil {
			return fmt.Errorf("failed to get private key: %w", err)
		}

		witness, err := txscript.WitnessSignature(
			tx, sigHashes, i, in.Value, in.PkScript, txscript.SigHashAll, priv, true,
		)
		if err != nil {
			return fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}
	return nil
}
