// Package difficulty owns the mining difficulty and its periodic retarget.
package difficulty

import (
	"github.com/holiman/uint256"

	"github.com/bardlex/powtoken/internal/pow"
)

// Retarget bands, in percent of the expected epoch duration
const (
	fastBand     = 80
	slightlyFast = 90
	slightlySlow = 110
	slowBand     = 120
)

// Adjust factors, in percent
const (
	raiseLarge = 125
	raiseSmall = 110
	lowerSmall = 90
	lowerLarge = 80
)

var (
	one     = uint256.NewInt(1)
	hundred = uint256.NewInt(100)
)

// Controller tracks the current difficulty and the start of the current epoch.
// It is not safe for concurrent use; its owner serializes access.
type Controller struct {
	difficulty      uint256.Int
	epochStart      uint64
	interval        uint64
	targetBlockTime uint64
}

// NewController creates a controller. interval is the number of blocks per
// epoch and targetBlockTime is expressed in the same unit as timestamps.
func NewController(initial *uint256.Int, epochStart, interval, targetBlockTime uint64) *Controller {
	c := &Controller{
		epochStart:      epochStart,
		interval:        interval,
		targetBlockTime: targetBlockTime,
	}
	c.difficulty.Set(initial)
	if c.difficulty.IsZero() {
		c.difficulty.SetOne()
	}
	return c
}

// Difficulty returns a copy of the current difficulty
func (c *Controller) Difficulty() uint256.Int {
	return c.difficulty
}

// EpochStart returns the timestamp captured at the start of the current epoch
func (c *Controller) EpochStart() uint64 {
	return c.epochStart
}

// MeetsTarget checks hash against the current difficulty
func (c *Controller) MeetsTarget(hash pow.Digest) bool {
	return pow.MeetsTarget(hash, &c.difficulty)
}

// Expected returns the expected duration of one epoch
func (c *Controller) Expected() uint64 {
	return c.interval * c.targetBlockTime
}

// MaybeRetarget is called after every accepted block. At an epoch boundary it
// compares the epoch's actual duration with the expected one, applies the
// matching adjustment and starts a new epoch at now. It reports whether a
// retarget computation ran, returning the (possibly unchanged) difficulty.
func (c *Controller) MaybeRetarget(blockNumber, now uint64) (uint256.Int, bool) {
	if c.interval == 0 || blockNumber == 0 || blockNumber%c.interval != 0 {
		return c.difficulty, false
	}

	var actual uint64
	if now > c.epochStart {
		actual = now - c.epochStart
	}

	c.difficulty = Adjust(&c.difficulty, actual, c.Expected())
	c.epochStart = now
	return c.difficulty, true
}

// Adjust applies the retarget policy to difficulty for an epoch that took
// actual instead of expected. The ratio bands are evaluated with integer
// arithmetic only:
//
//	ratio <  0.80        x1.25
//	0.80 <= ratio < 0.90 x1.10
//	0.90 <= ratio <= 1.10 unchanged
//	1.10 < ratio <= 1.20 x0.90
//	ratio >  1.20        x0.80
//
// The result never drops below 1 and saturates at 2^256-1.
func Adjust(difficulty *uint256.Int, actual, expected uint64) uint256.Int {
	// compare actual*100 against band*expected in 256 bits
	var a, e uint256.Int
	a.Mul(uint256.NewInt(actual), hundred)
	e.SetUint64(expected)

	band := func(percent uint64) *uint256.Int {
		return new(uint256.Int).Mul(&e, uint256.NewInt(percent))
	}

	var factor uint64
	switch {
	case a.Lt(band(fastBand)):
		factor = raiseLarge
	case a.Lt(band(slightlyFast)):
		factor = raiseSmall
	case !a.Gt(band(slightlySlow)):
		return clampFloor(*difficulty)
	case !a.Gt(band(slowBand)):
		factor = lowerSmall
	default:
		factor = lowerLarge
	}

	var next uint256.Int
	if _, overflow := next.MulDivOverflow(difficulty, uint256.NewInt(factor), hundred); overflow {
		next.SetAllOne()
	}
	return clampFloor(next)
}

func clampFloor(d uint256.Int) uint256.Int {
	if d.Lt(one) {
		d.SetOne()
	}
	return d
}
