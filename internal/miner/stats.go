package miner

import (
	"context"
	"time"
)

// HashrateReport is one throughput sample
type HashrateReport struct {
	Miner           string
	BlockNumber     uint64
	Hashes          uint64
	HashesPerSecond float64
	At              time.Time
}

// StatsSink receives hashrate reports off the hashing goroutine
type StatsSink interface {
	RecordHashrate(ctx context.Context, report HashrateReport) error
}

// hashrate accumulates hashes between reports
type hashrate struct {
	period time.Duration
	since  time.Time
	hashes uint64
}

// add counts n hashes and returns a report once the period has elapsed
func (h *hashrate) add(n uint64, now time.Time) (uint64, float64, bool) {
	h.hashes += n
	elapsed := now.Sub(h.since)
	if elapsed < h.period || elapsed <= 0 {
		return 0, 0, false
	}
	hashes := h.hashes
	hps := float64(hashes) / elapsed.Seconds()
	h.hashes = 0
	h.since = now
	return hashes, hps, true
}

// reportLoop forwards reports to the sink. Reports that arrive while the sink
// is busy replace each other.
func (m *Miner) reportLoop(ctx context.Context, reports <-chan HashrateReport) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-reports:
			if err := m.sink.RecordHashrate(ctx, r); err != nil && ctx.Err() == nil {
				m.logger.WithError(err).Warn("failed to record hashrate")
			}
		}
	}
}

func (m *Miner) publishReport(r HashrateReport) {
	if m.reports == nil {
		return
	}
	select {
	case m.reports <- r:
	default:
		// drop the stale report in favor of the new one
		select {
		case <-m.reports:
		default:
		}
		select {
		case m.reports <- r:
		default:
		}
	}
}
