// Package xelis connects the miner to a Xelis daemon and wallet: contract
// state queries over the node JSON-RPC, solution submission through the
// wallet JSON-RPC, contract event subscriptions over websocket and address
// decoding.
package xelis

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/bardlex/powtoken/internal/pow"
)

const (
	// MainnetPrefix is the human readable part of mainnet addresses
	MainnetPrefix = "xel"
	// TestnetPrefix is the human readable part of testnet addresses
	TestnetPrefix = "xet"

	addressSeparator = ":"
	bech32Separator  = "1"

	// identity bytes taken from the decoded address after the leading zero
	identityBytes = pow.AddressSize - 1
)

// DecodeAddress splits a "prefix:data" address into its prefix and the
// decoded 8-bit payload. The checksum is verified.
func DecodeAddress(address string) (string, []byte, error) {
	prefix, data, ok := strings.Cut(address, addressSeparator)
	if !ok || prefix == "" || data == "" {
		return "", nil, fmt.Errorf("invalid address %q: missing %q separator", address, addressSeparator)
	}

	hrp, words, err := bech32.DecodeNoLimit(prefix + bech32Separator + data)
	if err != nil {
		return "", nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	payload, err := bech32.ConvertBits(words, 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("invalid address payload: %w", err)
	}
	return hrp, payload, nil
}

// FormatAddress encodes payload under prefix using the ':' separator
func FormatAddress(prefix string, payload []byte) (string, error) {
	encoded, err := bech32.EncodeFromBase256(prefix, payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode address: %w", err)
	}
	// bech32 places the separator right after the prefix
	return prefix + addressSeparator + encoded[len(prefix)+1:], nil
}

// ParseAddress returns the header identity of a Xelis address: a zero byte
// followed by the first 33 payload bytes.
func ParseAddress(address string) (pow.Address, error) {
	var id pow.Address

	prefix, payload, err := DecodeAddress(address)
	if err != nil {
		return id, err
	}
	if prefix != MainnetPrefix && prefix != TestnetPrefix {
		return id, fmt.Errorf("unknown address prefix %q", prefix)
	}
	if len(payload) < identityBytes {
		return id, fmt.Errorf("address payload too short: %d bytes, need %d", len(payload), identityBytes)
	}

	copy(id[1:], payload[:identityBytes])
	return id, nil
}
