// Package metrics exposes the Prometheus collectors for the miner, the
// in-process ledger, the Xelis RPC client and the event relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "powtoken"

var (
	minerHashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "miner",
		Name:      "hashes_total",
		Help:      "Count of proof-of-work hashes computed.",
	}, []string{"miner"})

	minerHashrate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "miner",
		Name:      "hashrate",
		Help:      "Hashes per second over the last reporting period.",
	}, []string{"miner"})

	minerSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "miner",
		Name:      "sessions_total",
		Help:      "Count of mining sessions started.",
	}, []string{"miner"})

	minerSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "miner",
		Name:      "submissions_total",
		Help:      "Count of submitted solutions by contract result.",
	}, []string{"miner", "result"})

	minerRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "miner",
		Name:      "restarts_total",
		Help:      "Count of abandoned sessions by reason.",
	}, []string{"miner", "reason"})

	minerChainHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "miner",
		Name:      "chain_height",
		Help:      "Highest block number the miner has observed.",
	}, []string{"miner"})
)

// Miner records the metrics of a single miner identity
type Miner struct {
	miner string
}

// NewMiner returns the recorder for miner
func NewMiner(miner string) *Miner {
	if miner == "" {
		miner = "unknown"
	}
	return &Miner{miner: miner}
}

// ObserveHashes adds a finished batch of hashes
func (m *Miner) ObserveHashes(n uint64) {
	minerHashesTotal.WithLabelValues(m.miner).Add(float64(n))
}

// SetHashrate sets the reported throughput
func (m *Miner) SetHashrate(hps float64) {
	minerHashrate.WithLabelValues(m.miner).Set(hps)
}

// ObserveSession counts a started session
func (m *Miner) ObserveSession() {
	minerSessionsTotal.WithLabelValues(m.miner).Inc()
}

// ObserveSubmission counts a submission outcome
func (m *Miner) ObserveSubmission(result string) {
	minerSubmissionsTotal.WithLabelValues(m.miner, result).Inc()
}

// ObserveRestart counts an abandoned session
func (m *Miner) ObserveRestart(reason string) {
	minerRestartsTotal.WithLabelValues(m.miner, reason).Inc()
}

// SetChainHeight records the highest observed block
func (m *Miner) SetChainHeight(block uint64) {
	minerChainHeight.WithLabelValues(m.miner).Set(float64(block))
}
