// Package pow implements the proof-of-work primitives shared by the on-chain
// verifier and the miner: the fixed header layout, the BLAKE3 header digest,
// the double SHA3-256 proof hash and the difficulty target check.
//
// Every integer fed into a hash is encoded little-endian. Digests compare as
// big-endian unsigned 256-bit integers.
package pow

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

const (
	// DigestSize is the size of every digest in bytes
	DigestSize = 32
	// AddressSize is the size of a miner identity in bytes
	AddressSize = 34
	// HeaderSize is the serialized header length
	HeaderSize = 8 + AddressSize + 32 + DigestSize + 8
)

// MaxTarget is the target at difficulty 1 (2^256 - 1).
var MaxTarget = new(uint256.Int).SetAllOne()

// Digest is a 32-byte hash
type Digest [DigestSize]byte

// String returns the lowercase hex encoding
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is all zeroes
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// DigestFromHex parses a 64-character hex digest
func DigestFromHex(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest hex: %w", err)
	}
	if len(b) != DigestSize {
		return d, fmt.Errorf("invalid digest length: expected %d bytes, got %d", DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Address is the 34-byte miner identity embedded in headers
type Address [AddressSize]byte

// String returns the lowercase hex encoding
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// AddressFromHex parses a 68-character hex identity
func AddressFromHex(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid address hex: %w", err)
	}
	if len(b) != AddressSize {
		return a, fmt.Errorf("invalid address length: expected %d bytes, got %d", AddressSize, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// Header is the record a miner commits to for one mining attempt
type Header struct {
	BlockNumber uint64
	Miner       Address
	Difficulty  uint256.Int
	PrevHash    Digest
	Timestamp   uint64
}

// MarshalBinary serializes the header in its fixed layout
func (h *Header) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, HeaderSize))
}

// AppendBinary appends the fixed layout encoding of h to b
func (h *Header) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint64(b, h.BlockNumber)
	b = append(b, h.Miner[:]...)

	be := h.Difficulty.Bytes32()
	for i := len(be) - 1; i >= 0; i-- {
		b = append(b, be[i])
	}

	b = append(b, h.PrevHash[:]...)
	b = binary.LittleEndian.AppendUint64(b, h.Timestamp)
	return b, nil
}

// HeaderHash returns the BLAKE3-256 digest of the serialized header.
// Miners compute it once per session.
func HeaderHash(h *Header) Digest {
	var buf [HeaderSize]byte
	enc, _ := h.AppendBinary(buf[:0])
	return blake3.Sum256(enc)
}

// PowHash returns SHA3-256(SHA3-256(headerHash || LE64(nonce)))
func PowHash(headerHash Digest, nonce uint64) Digest {
	var buf [DigestSize + 8]byte
	copy(buf[:DigestSize], headerHash[:])
	binary.LittleEndian.PutUint64(buf[DigestSize:], nonce)

	first := sha3.Sum256(buf[:])
	return sha3.Sum256(first[:])
}

// Target returns MaxTarget / difficulty. A zero difficulty has no target and
// returns zero.
func Target(difficulty *uint256.Int) *uint256.Int {
	if difficulty.IsZero() {
		return new(uint256.Int)
	}
	return new(uint256.Int).Div(MaxTarget, difficulty)
}

// MeetsTarget reports whether hash, read as a big-endian integer, is at most
// MaxTarget / difficulty
func MeetsTarget(hash Digest, difficulty *uint256.Int) bool {
	if difficulty.IsZero() {
		return false
	}
	return MeetsPrecomputedTarget(hash, Target(difficulty))
}

// MeetsPrecomputedTarget compares hash against an already derived target.
// The miner derives its target once per session.
func MeetsPrecomputedTarget(hash Digest, target *uint256.Int) bool {
	var v uint256.Int
	v.SetBytes32(hash[:])
	return v.Cmp(target) <= 0
}
