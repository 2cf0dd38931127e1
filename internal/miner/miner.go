// Package miner implements the single-threaded off-chain miner. One goroutine
// hashes in fixed-size batches; a listener goroutine tracks the highest block
// announced by the event stream and is the only source of cancellation for a
// running session.
package miner

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/metrics"
	"github.com/bardlex/powtoken/internal/pow"
	"github.com/bardlex/powtoken/pkg/errors"
	"github.com/bardlex/powtoken/pkg/log"
	"github.com/bardlex/powtoken/pkg/retry"
)

// ErrSupplyExhausted is returned by Run once the contract has minted its full
// supply. Miners must stop rather than retry.
var ErrSupplyExhausted = errors.New(errors.ErrorTypeChain, "mine", "max supply reached, mining complete").WithRetryable(false)

// ChainQuery reads the current contract state
type ChainQuery interface {
	Snapshot(ctx context.Context) (contract.Snapshot, error)
}

// Submitter sends a solution transaction signed by the miner's identity
type Submitter interface {
	Submit(ctx context.Context, nonce, timestamp uint64) (contract.Receipt, error)
}

// EventSource streams mining events. The channel is closed when the stream
// ends.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan contract.MiningEvent, error)
}

const (
	reasonNewBlock  = "new_block"
	reasonRejected  = "rejected"
	reasonTransport = "submit_error"
	reasonExpired   = "expired"
	reasonTimeout   = "confirm_timeout"
)

const (
	staleSnapshotDelay   = 500 * time.Millisecond
	staleSnapshotRetries = 3
)

// Option customizes a Miner
type Option func(*Miner)

// WithStatsSink forwards hashrate reports to sink
func WithStatsSink(sink StatsSink) Option {
	return func(m *Miner) {
		m.sink = sink
	}
}

// Miner drives mining sessions against one chain
type Miner struct {
	cfg       Config
	query     ChainQuery
	submitter Submitter
	events    EventSource
	sink      StatsSink
	reports   chan HashrateReport

	rng    *rand.Rand
	now    func() time.Time
	latest atomic.Uint64
	wake   chan struct{}
	rate   hashrate

	logger  *log.Logger
	metrics *metrics.Miner
}

type solution struct {
	nonce     uint64
	timestamp uint64
	hash      pow.Digest
}

// New creates a miner. events may be nil, in which case sessions are only
// abandoned after a submission.
func New(cfg Config, query ChainQuery, submitter Submitter, events EventSource, logger *log.Logger, opts ...Option) (*Miner, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_miner", "invalid miner config")
	}
	if cfg.QueryRetry == nil {
		cfg.QueryRetry = retry.NetworkConfig()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(now().UnixNano())
	}

	m := &Miner{
		cfg:       cfg,
		query:     query,
		submitter: submitter,
		events:    events,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:       now,
		wake:      make(chan struct{}, 1),
		rate:      hashrate{period: cfg.HashrateReportPeriod},
		logger:    logger.WithComponent("miner").WithMiner(cfg.Label),
		metrics:   metrics.NewMiner(cfg.Label),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sink != nil {
		m.reports = make(chan HashrateReport, 1)
	}
	return m, nil
}

// LatestBlock returns the highest block number observed so far
func (m *Miner) LatestBlock() uint64 {
	return m.latest.Load()
}

// Run mines until ctx is cancelled or the supply is exhausted
func (m *Miner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	if m.events != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.listen(ctx)
		}()
	}
	if m.sink != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.reportLoop(ctx, m.reports)
		}()
	}

	m.rate.since = m.now()
	m.logger.Info("miner started", "batch", m.cfg.HashReportInterval)

	stale := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		snap, err := m.fetchSnapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.WithError(err).Error("chain query failed, backing off", "backoff", m.cfg.RetryBackoff)
			if err := retry.Sleep(ctx, m.cfg.RetryBackoff); err != nil {
				return err
			}
			continue
		}

		if snap.Exhausted() {
			m.logger.Info("supply exhausted, stopping", "block_number", snap.BlockNumber, "minted_supply", snap.MintedSupply)
			return ErrSupplyExhausted
		}

		m.observeBlock(snap.BlockNumber)
		baseline := snap.BlockNumber
		if latest := m.latest.Load(); latest > baseline {
			// the node lags behind the event stream
			if stale < staleSnapshotRetries {
				stale++
				if err := retry.Sleep(ctx, staleSnapshotDelay); err != nil {
					return err
				}
				continue
			}
			m.logger.Warn("node snapshot behind event stream, mining anyway",
				"snapshot_block", snap.BlockNumber, "latest_block", latest)
			baseline = latest
		}
		stale = 0

		if err := m.session(ctx, &snap, baseline); err != nil {
			return err
		}
	}
}

func (m *Miner) fetchSnapshot(ctx context.Context) (contract.Snapshot, error) {
	return retry.DoWithResult(ctx, m.cfg.QueryRetry, func(ctx context.Context) (contract.Snapshot, error) {
		snap, err := m.query.Snapshot(ctx)
		if err != nil {
			return snap, err
		}
		if snap.Difficulty.IsZero() && !snap.Exhausted() {
			return snap, errors.New(errors.ErrorTypeValidation, "snapshot", "chain reported zero difficulty").WithRetryable(true)
		}
		return snap, nil
	})
}

// session mines one snapshot and handles the submission outcome. It returns
// an error only when Run must stop.
func (m *Miner) session(ctx context.Context, snap *contract.Snapshot, baseline uint64) error {
	m.metrics.ObserveSession()

	sol, found := m.search(ctx, snap, baseline)
	if !found {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.restart(reasonNewBlock, snap.BlockNumber)
		return nil
	}

	if age := m.nowMillis() - int64(sol.timestamp); m.cfg.PastDrift > 0 && age > m.cfg.PastDrift.Milliseconds() {
		m.logger.Warn("solution timestamp expired before submission", "block_number", snap.BlockNumber, "age_ms", age)
		m.restart(reasonExpired, snap.BlockNumber)
		return nil
	}

	receipt, err := m.submitter.Submit(ctx, sol.nonce, sol.timestamp)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.WithError(err).Warn("submission failed, treating as lost race", "block_number", snap.BlockNumber)
		m.metrics.ObserveSubmission(reasonTransport)
		m.restart(reasonTransport, snap.BlockNumber)
		return nil
	}

	if !receipt.Final {
		m.logger.LogSubmission(snap.BlockNumber, sol.nonce, sol.timestamp, sol.hash.String(), "pending")
		m.metrics.ObserveSubmission("pending")
		return m.awaitBlock(ctx, baseline)
	}

	m.logger.LogSubmission(snap.BlockNumber, sol.nonce, sol.timestamp, sol.hash.String(), receipt.Code.String())
	m.metrics.ObserveSubmission(receipt.Code.String())

	switch receipt.Code {
	case contract.ResultAccepted:
		return nil
	case contract.ResultSupplyExhausted:
		return ErrSupplyExhausted
	default:
		m.logger.Info("solution rejected", "block_number", snap.BlockNumber, "code", uint64(receipt.Code), "reason", receipt.Code.Description())
		m.restart(reasonRejected, snap.BlockNumber)
		return nil
	}
}

// search hashes nonces from a random start until one meets the snapshot's
// target. It stops between batches when a newer block has been observed or
// ctx is done.
func (m *Miner) search(ctx context.Context, snap *contract.Snapshot, baseline uint64) (solution, bool) {
	now := m.now()
	header := pow.Header{
		BlockNumber: snap.BlockNumber,
		Miner:       m.cfg.Address,
		Difficulty:  snap.Difficulty,
		PrevHash:    snap.PrevHash,
		Timestamp:   m.headerTimestamp(snap, now),
	}
	target := pow.Target(&header.Difficulty)
	headerHash := pow.HeaderHash(&header)
	built := now

	nonce := m.rng.Uint64()
	m.logger.LogSession(snap.BlockNumber, snap.Difficulty.Dec(), nonce)

	batch := m.cfg.HashReportInterval
	for {
		for i := range batch {
			hash := pow.PowHash(headerHash, nonce)
			if pow.MeetsPrecomputedTarget(hash, target) {
				m.account(i+1, snap.BlockNumber, nonce)
				return solution{nonce: nonce, timestamp: header.Timestamp, hash: hash}, true
			}
			nonce++
		}
		m.account(batch, snap.BlockNumber, nonce)

		if ctx.Err() != nil || m.latest.Load() > baseline {
			return solution{}, false
		}

		if now = m.now(); now.Sub(built) >= m.cfg.TimestampRefresh {
			header.Timestamp = m.headerTimestamp(snap, now)
			headerHash = pow.HeaderHash(&header)
			built = now
		}
	}
}

// headerTimestamp returns now in ms, kept strictly after the last accepted block
func (m *Miner) headerTimestamp(snap *contract.Snapshot, now time.Time) uint64 {
	ts := uint64(now.UnixMilli())
	if ts <= snap.LastTimestamp {
		ts = snap.LastTimestamp + 1
	}
	return ts
}

func (m *Miner) nowMillis() int64 {
	return m.now().UnixMilli()
}

func (m *Miner) account(n, block, nonce uint64) {
	m.metrics.ObserveHashes(n)
	now := m.now()
	hashes, hps, ok := m.rate.add(n, now)
	if !ok {
		return
	}
	m.logger.LogHashrate(hashes, hps, nonce)
	m.metrics.SetHashrate(hps)
	m.publishReport(HashrateReport{
		Miner:           m.cfg.Label,
		BlockNumber:     block,
		Hashes:          hashes,
		HashesPerSecond: hps,
		At:              now,
	})
}

func (m *Miner) restart(reason string, block uint64) {
	m.metrics.ObserveRestart(reason)
	m.logger.Debug("restarting session", "reason", reason, "block_number", block, "latest_block", m.latest.Load())
}

// awaitBlock waits for an event newer than block or the confirm timeout
func (m *Miner) awaitBlock(ctx context.Context, block uint64) error {
	if m.latest.Load() > block {
		return nil
	}

	timer := time.NewTimer(m.cfg.ConfirmTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			m.restart(reasonTimeout, block)
			return nil
		case <-m.wake:
			if m.latest.Load() > block {
				return nil
			}
		}
	}
}
