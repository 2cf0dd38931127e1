// Package contract implements the on-chain PoW state machine: the chain
// state, the submission validator and the reward mint.
//
// A Contract is not safe for concurrent use. The host ledger applies
// submissions one at a time, which is the only serialization it relies on.
package contract

import (
	"fmt"

	"github.com/bardlex/powtoken/internal/difficulty"
	"github.com/bardlex/powtoken/internal/pow"
)

// Result is the code returned by SubmitSolution
type Result uint64

const (
	ResultAccepted Result = iota
	ResultSupplyExhausted
	ResultTimestampOutOfBounds
	ResultStaleTimestamp
	ResultInvalidProof
)

func (r Result) String() string {
	switch r {
	case ResultAccepted:
		return "accepted"
	case ResultSupplyExhausted:
		return "supply_exhausted"
	case ResultTimestampOutOfBounds:
		return "timestamp_out_of_bounds"
	case ResultStaleTimestamp:
		return "stale_timestamp"
	case ResultInvalidProof:
		return "invalid_proof"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(r))
	}
}

// Description returns an operator-facing explanation of the code
func (r Result) Description() string {
	switch r {
	case ResultAccepted:
		return "block mined"
	case ResultSupplyExhausted:
		return "max supply reached, mining complete"
	case ResultTimestampOutOfBounds:
		return "timestamp out of bounds (must be within now-30s and now+5s)"
	case ResultStaleTimestamp:
		return "timestamp is not after the last accepted block"
	case ResultInvalidProof:
		return "proof of work does not meet the difficulty"
	default:
		return fmt.Sprintf("unknown return code %d", uint64(r))
	}
}

// Valid reports whether r is one of the defined codes
func (r Result) Valid() bool {
	return r <= ResultInvalidProof
}

// Minter credits block rewards on the host ledger
type Minter interface {
	Mint(to pow.Address, amount uint64)
}

// EventEmitter broadcasts accepted blocks
type EventEmitter interface {
	Emit(event MiningEvent)
}

// Contract is the single owner of the chain state and the difficulty
type Contract struct {
	params     Params
	state      State
	status     Status
	difficulty *difficulty.Controller
	minter     Minter
	emitter    EventEmitter
}

// New initializes the contract at block 0 with the initial difficulty.
// deploymentTime (ms) starts the first epoch. minter and emitter may be nil.
func New(params Params, deploymentTime uint64, minter Minter, emitter EventEmitter) (*Contract, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid contract params: %w", err)
	}

	return &Contract{
		params: params,
		status: StatusActive,
		difficulty: difficulty.NewController(&params.InitialDifficulty, deploymentTime,
			params.RetargetInterval, millis(params.TargetBlockTime)),
		minter:  minter,
		emitter: emitter,
	}, nil
}

// Params returns the constants the contract was deployed with
func (c *Contract) Params() Params {
	return c.params
}

// Snapshot returns a copy of the current state
func (c *Contract) Snapshot() Snapshot {
	return Snapshot{
		BlockNumber:   c.state.BlockNumber,
		Difficulty:    c.difficulty.Difficulty(),
		PrevHash:      c.state.PrevHash,
		LastTimestamp: c.state.LastTimestamp,
		MintedSupply:  c.state.MintedSupply,
		EpochStart:    c.difficulty.EpochStart(),
		Status:        c.status,
	}
}

// SubmitSolution validates one submission from caller. now is the host
// ledger's clock at execution time, in ms. Checks run in code order and the
// first failure returns without touching any state.
func (c *Contract) SubmitSolution(nonce, timestamp uint64, caller pow.Address, now uint64) Result {
	if c.status == StatusExhausted {
		return ResultSupplyExhausted
	}

	if !c.timestampInBounds(timestamp, now) {
		return ResultTimestampOutOfBounds
	}

	if timestamp <= c.state.LastTimestamp {
		return ResultStaleTimestamp
	}

	header := pow.Header{
		BlockNumber: c.state.BlockNumber,
		Miner:       caller,
		Difficulty:  c.difficulty.Difficulty(),
		PrevHash:    c.state.PrevHash,
		Timestamp:   timestamp,
	}
	hash := pow.PowHash(pow.HeaderHash(&header), nonce)
	if !c.difficulty.MeetsTarget(hash) {
		return ResultInvalidProof
	}

	// nothing below can fail
	reward := min(c.params.BlockReward, c.params.MaxSupply-c.state.MintedSupply)
	c.state = State{
		BlockNumber:   c.state.BlockNumber + 1,
		PrevHash:      hash,
		LastTimestamp: timestamp,
		MintedSupply:  c.state.MintedSupply + reward,
	}
	if c.state.MintedSupply == c.params.MaxSupply {
		c.status = StatusExhausted
	}
	newDifficulty, _ := c.difficulty.MaybeRetarget(c.state.BlockNumber, timestamp)

	if c.minter != nil && reward > 0 {
		c.minter.Mint(caller, reward)
	}
	if c.emitter != nil {
		c.emitter.Emit(MiningEvent{
			Miner:         caller,
			Nonce:         nonce,
			PowHash:       hash,
			BlockNumber:   c.state.BlockNumber,
			NewDifficulty: newDifficulty,
			Timestamp:     timestamp,
			Reward:        reward,
		})
	}
	return ResultAccepted
}

func (c *Contract) timestampInBounds(timestamp, now uint64) bool {
	future := millis(c.params.FutureDrift)
	past := millis(c.params.PastDrift)

	if now <= ^uint64(0)-future && timestamp > now+future {
		return false
	}
	if now >= past && timestamp < now-past {
		return false
	}
	return true
}
