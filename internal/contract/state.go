package contract

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/bardlex/powtoken/internal/pow"
)

// Status of the sub-ledger
type Status int

const (
	// StatusActive accepts submissions
	StatusActive Status = iota
	// StatusExhausted is terminal: the full supply has been minted
	StatusExhausted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// State is the authoritative chain state. It changes only through an
// accepted submission.
type State struct {
	BlockNumber   uint64
	PrevHash      pow.Digest
	LastTimestamp uint64
	MintedSupply  uint64
}

// Snapshot is a read-only copy of the chain state as seen by miners
type Snapshot struct {
	BlockNumber   uint64
	Difficulty    uint256.Int
	PrevHash      pow.Digest
	LastTimestamp uint64
	MintedSupply  uint64
	EpochStart    uint64
	Status        Status
}

// Exhausted reports whether no further blocks can be mined
func (s Snapshot) Exhausted() bool {
	return s.Status == StatusExhausted
}

func (s Snapshot) String() string {
	return fmt.Sprintf("block=%d difficulty=%s prev_hash=%s supply=%d status=%s",
		s.BlockNumber, s.Difficulty.Dec(), s.PrevHash, s.MintedSupply, s.Status)
}

// MiningEvent is emitted exactly once per accepted submission
type MiningEvent struct {
	Miner         pow.Address
	Nonce         uint64
	PowHash       pow.Digest
	BlockNumber   uint64
	NewDifficulty uint256.Int
	Timestamp     uint64
	Reward        uint64
}

// Receipt is the outcome of a submitted transaction. Final is false when the
// host only confirmed the transaction was built and broadcast, in which case
// Code carries no contract result yet.
type Receipt struct {
	Code   Result
	Final  bool
	TxHash string
}
