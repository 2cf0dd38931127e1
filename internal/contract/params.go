package contract

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// Coin is the number of base units in one token (8 decimals)
const Coin = 100_000_000

// Params holds the chain constants fixed at deployment
type Params struct {
	MaxSupply         uint64
	BlockReward       uint64
	TargetBlockTime   time.Duration
	InitialDifficulty uint256.Int
	RetargetInterval  uint64
	FutureDrift       time.Duration
	PastDrift         time.Duration
}

// DefaultParams returns the production chain constants
func DefaultParams() Params {
	p := Params{
		MaxSupply:        21_000_000 * Coin,
		BlockReward:      50 * Coin,
		TargetBlockTime:  60 * time.Second,
		RetargetInterval: 100,
		FutureDrift:      5 * time.Second,
		PastDrift:        30 * time.Second,
	}
	p.InitialDifficulty.SetUint64(10_000_000)
	return p
}

// Validate checks the parameters for values the state machine cannot run with
func (p *Params) Validate() error {
	if p.MaxSupply == 0 {
		return fmt.Errorf("max supply must be positive")
	}
	if p.BlockReward == 0 {
		return fmt.Errorf("block reward must be positive")
	}
	if p.TargetBlockTime < time.Millisecond {
		return fmt.Errorf("target block time must be at least 1ms, got %s", p.TargetBlockTime)
	}
	if p.RetargetInterval == 0 {
		return fmt.Errorf("retarget interval must be positive")
	}
	if p.InitialDifficulty.IsZero() {
		return fmt.Errorf("initial difficulty must be positive")
	}
	if p.FutureDrift < 0 || p.PastDrift < 0 {
		return fmt.Errorf("timestamp drift bounds must not be negative")
	}
	return nil
}

func millis(d time.Duration) uint64 {
	return uint64(d.Milliseconds())
}
