package keychain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/ark-custody/internal/types"
)

const (
	// ArkHRPMainnet is the human readable part of mainnet Ark addresses
	ArkHRPMainnet = "ark"
	// ArkHRPTestnet is used on every other network
	ArkHRPTestnet = "tark"

	arkAddressVersion = 0
	arkPayloadSize    = 1 + 32 + 32
)

var (
	// ErrInvalidArkAddress is returned for strings that are not Ark addresses.
	ErrInvalidArkAddress = errors.New("invalid ark address")
)

// ArkAddress identifies an off-chain output owner: the coordinator's signer
// key plus the taproot output key of the user's virtual output.
type ArkAddress struct {
	HRP        string
	Version    byte
	ServerKey  *btcec.PublicKey
	VtxoTapKey *btcec.PublicKey
}

// ArkHRP returns the address prefix used on a network.
func ArkHRP(network types.Network) string {
	if network == types.NetworkMainnet {
		return ArkHRPMainnet
	}
	return ArkHRPTestnet
}

// Encode returns the bech32m form of the address.
func (a *ArkAddress) Encode() (string, error) {
	if a.ServerKey == nil || a.VtxoTapKey == nil {
		return "", fmt.Errorf("%w: missing key", ErrInvalidArkAddress)
	}

	payload := make([]byte, 0, arkPayloadSize)
	payload = append(payload, a.Version)
	payload = append(payload, schnorr.SerializePubKey(a.ServerKey)...)
	payload = append(payload, schnorr.SerializePubKey(a.VtxoTapKey)...)

	grouped, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("failed to convert bits: %w", err)
	}
	return bech32.EncodeM(a.HRP, grouped)
}

// DecodeArkAddress parses an Ark address. Ark addresses exceed the 90
// character bech32 limit, so the length check is skipped.
func DecodeArkAddress(addr string) (*ArkAddress, error) {
	hrp, grouped, err := bech32.DecodeNoLimit(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArkAddress, err)
	}
	if hrp != ArkHRPMainnet && hrp != ArkHRPTestnet {
		return nil, fmt.Errorf("%w: unknown prefix %q", ErrInvalidArkAddress, hrp)
	}

	payload, err := bech32.ConvertBits(grouped, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArkAddress, err)
	}
	if len(payload) != arkPayloadSize {
		return nil, fmt.Errorf("%w: payload is %d bytes, want %d", ErrInvalidArkAddress, len(payload), arkPayloadSize)
	}
	if payload[0] != arkAddressVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidArkAddress, payload[0])
	}

	serverKey, err := schnorr.ParsePubKey(payload[1:33])
	if err != nil {
		return nil, fmt.Errorf("%w: server key: %v", ErrInvalidArkAddress, err)
	}
	tapKey, err := schnorr.ParsePubKey(payload[33:])
	if err != nil {
		return nil, fmt.Errorf("%w: vtxo key: %v", ErrInvalidArkAddress, err)
	}

	return &ArkAddress{
		HRP:        hrp,
		Version:    payload[0],
		ServerKey:  serverKey,
		VtxoTapKey: tapKey,
	}, nil
}

// ValidateArkAddress checks that addr is an Ark address for the network.
func ValidateArkAddress(addr string, network types.Network) error {
	decoded, err := DecodeArkAddress(addr)
	if err != nil {
		return err
	}
	if decoded.HRP != ArkHRP(network) {
		return fmt.Errorf("%w: prefix %q is not valid on %s", ErrInvalidArkAddress, decoded.HRP, network)
	}
	return nil
}
