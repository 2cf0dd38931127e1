package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "submissions_total",
		Help:      "Count of applied submissions by contract result.",
	}, []string{"result"})

	ledgerBlockHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "block_height",
		Help:      "Current block number of the sub-ledger.",
	})

	ledgerMintedSupply = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "minted_supply",
		Help:      "Minted supply in base units.",
	})

	ledgerDifficulty = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "difficulty",
		Help:      "Current difficulty (float approximation).",
	})

	ledgerEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "events_dropped_total",
		Help:      "Count of events not delivered to a slow subscriber.",
	})
)

// Ledger records the metrics of the in-process host ledger
type Ledger struct{}

// NewLedger returns the ledger recorder
func NewLedger() *Ledger {
	return &Ledger{}
}

// ObserveSubmission counts an applied submission
func (*Ledger) ObserveSubmission(result string) {
	ledgerSubmissionsTotal.WithLabelValues(result).Inc()
}

// ObserveState records the chain state after a block
func (*Ledger) ObserveState(block, minted uint64, difficulty float64) {
	ledgerBlockHeight.Set(float64(block))
	ledgerMintedSupply.Set(float64(minted))
	ledgerDifficulty.Set(difficulty)
}

// ObserveDroppedEvent counts an event a subscriber missed
func (*Ledger) ObserveDroppedEvent() {
	ledgerEventsDropped.Inc()
}
