package miner

import (
	"fmt"
	"time"

	"github.com/bardlex/powtoken/internal/pow"
	"github.com/bardlex/powtoken/pkg/retry"
)

// Config holds the miner tuning knobs
type Config struct {
	// Address is the identity embedded in every header
	Address pow.Address
	// Label is the human readable address used in logs and metrics
	Label string

	// HashReportInterval is the number of nonces per batch. Cancellation,
	// timestamp refresh and hashrate accounting happen between batches.
	HashReportInterval uint64
	// HashrateReportPeriod is the minimum time between hashrate reports
	HashrateReportPeriod time.Duration
	// TimestampRefresh is the age after which the header timestamp is renewed
	TimestampRefresh time.Duration
	// PastDrift is the contract's past-drift bound; older solutions are dropped
	PastDrift time.Duration
	// ConfirmTimeout bounds the wait for a block event after a submission
	ConfirmTimeout time.Duration
	// RetryBackoff is the pause before re-querying after repeated failures and
	// before resubscribing to events
	RetryBackoff time.Duration
	// QueryRetry governs snapshot queries
	QueryRetry *retry.Config

	// Seed seeds the start nonce generator; zero derives one from the clock
	Seed uint64
	// Now returns the wall clock; nil uses time.Now
	Now func() time.Time
}

// DefaultConfig returns the production defaults for address
func DefaultConfig(address pow.Address, label string) Config {
	return Config{
		Address:              address,
		Label:                label,
		HashReportInterval:   100_000,
		HashrateReportPeriod: 10 * time.Second,
		TimestampRefresh:     10 * time.Second,
		PastDrift:            30 * time.Second,
		ConfirmTimeout:       30 * time.Second,
		RetryBackoff:         5 * time.Second,
		QueryRetry:           retry.NetworkConfig(),
	}
}

func (c *Config) validate() error {
	if c.HashReportInterval == 0 {
		return fmt.Errorf("hash report interval must be positive")
	}
	if c.TimestampRefresh <= 0 {
		return fmt.Errorf("timestamp refresh must be positive")
	}
	if c.PastDrift > 0 && c.TimestampRefresh >= c.PastDrift {
		return fmt.Errorf("timestamp refresh (%s) must be shorter than the past drift (%s)", c.TimestampRefresh, c.PastDrift)
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("confirm timeout must be positive")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff must not be negative")
	}
	return nil
}
