package miner

import (
	"context"

	"github.com/bardlex/powtoken/pkg/retry"
)

// listen keeps an event subscription open for the lifetime of ctx
func (m *Miner) listen(ctx context.Context) {
	for {
		events, err := m.events.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.WithError(err).Warn("event subscription failed", "backoff", m.cfg.RetryBackoff)
			if retry.Sleep(ctx, m.cfg.RetryBackoff) != nil {
				return
			}
			continue
		}

		for ev := range events {
			if m.observeBlock(ev.BlockNumber) {
				m.logger.Debug("new block announced",
					"block_number", ev.BlockNumber,
					"pow_hash", ev.PowHash.String(),
					"difficulty", ev.NewDifficulty.Dec(),
				)
			}
		}

		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("event stream closed, resubscribing", "backoff", m.cfg.RetryBackoff)
		if retry.Sleep(ctx, m.cfg.RetryBackoff) != nil {
			return
		}
	}
}

// observeBlock raises the highest seen block number. Duplicate and
// out-of-order announcements are ignored. It reports whether block was new.
func (m *Miner) observeBlock(block uint64) bool {
	for {
		cur := m.latest.Load()
		if block <= cur {
			return false
		}
		if m.latest.CompareAndSwap(cur, block) {
			break
		}
	}

	m.metrics.SetChainHeight(block)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}
