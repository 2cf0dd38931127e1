// Package ledger is an in-process host ledger for the PoW contract. It applies
// transactions one at a time on a single goroutine, keeps token balances and
// broadcasts contract events to subscribers.
//
// It stands in for the Xelis chain in local networks and tests.
package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/holiman/uint256"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/metrics"
	"github.com/bardlex/powtoken/internal/pow"
	"github.com/bardlex/powtoken/pkg/errors"
	"github.com/bardlex/powtoken/pkg/log"
)

// Clock returns the ledger time in Unix milliseconds
type Clock func() uint64

// SystemClock reads the wall clock
func SystemClock() uint64 {
	return uint64(time.Now().UnixMilli())
}

// ErrClosed is returned by operations on a closed ledger
var ErrClosed = errors.New(errors.ErrorTypeChain, "ledger", "ledger is closed").WithRetryable(false)

// Config configures a Ledger
type Config struct {
	Params contract.Params
	// DeploymentTime starts the first difficulty epoch; zero uses the clock
	DeploymentTime uint64
	Clock          Clock
	QueueSize      int
	EventBuffer    int
}

// DefaultConfig returns a ledger running the production chain constants
func DefaultConfig() Config {
	return Config{
		Params:      contract.DefaultParams(),
		Clock:       SystemClock,
		QueueSize:   256,
		EventBuffer: 64,
	}
}

type tx struct {
	apply func()
	done  chan struct{}
}

// Ledger owns the contract. Every read and write of contract state, balances
// and the subscriber set happens on the apply goroutine.
type Ledger struct {
	contract *contract.Contract
	balances map[pow.Address]uint64
	subs     map[uint64]chan contract.MiningEvent
	nextSub  uint64

	clock       Clock
	eventBuffer int
	txs         chan tx
	quit        chan struct{}
	stopped     chan struct{}

	logger  *log.Logger
	metrics *metrics.Ledger
}

// New deploys the contract and starts the apply goroutine
func New(cfg Config, logger *log.Logger) (*Ledger, error) {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	deployment := cfg.DeploymentTime
	if deployment == 0 {
		deployment = cfg.Clock()
	}

	l := &Ledger{
		balances:    make(map[pow.Address]uint64),
		subs:        make(map[uint64]chan contract.MiningEvent),
		clock:       cfg.Clock,
		eventBuffer: cfg.EventBuffer,
		txs:         make(chan tx, cfg.QueueSize),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		logger:      logger.WithComponent("ledger"),
		metrics:     metrics.NewLedger(),
	}

	c, err := contract.New(cfg.Params, deployment, l, l)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "deploy", "failed to deploy contract")
	}
	l.contract = c

	l.logger.Info("contract deployed",
		"deployment_time", deployment,
		"difficulty", cfg.Params.InitialDifficulty.Dec(),
		"max_supply", cfg.Params.MaxSupply,
	)

	go l.run()
	return l, nil
}

func (l *Ledger) run() {
	defer close(l.stopped)
	for {
		select {
		case t := <-l.txs:
			t.apply()
			close(t.done)
		case <-l.quit:
			for id, ch := range l.subs {
				close(ch)
				delete(l.subs, id)
			}
			return
		}
	}
}

// Close stops the apply goroutine and closes every subscription
func (l *Ledger) Close() {
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
	<-l.stopped
}

// do runs fn on the apply goroutine and waits for it to finish
func (l *Ledger) do(ctx context.Context, fn func()) error {
	t := tx{apply: fn, done: make(chan struct{})}
	select {
	case l.txs <- t:
	case <-l.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// once queued the transaction runs even if the caller stops waiting
	select {
	case <-t.done:
		return nil
	case <-l.stopped:
		select {
		case <-t.done:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit applies one submitSolution transaction from caller at the ledger's
// current time
func (l *Ledger) Submit(ctx context.Context, caller pow.Address, nonce, timestamp uint64) (contract.Result, error) {
	var result contract.Result
	err := l.do(ctx, func() {
		result = l.contract.SubmitSolution(nonce, timestamp, caller, l.clock())
		l.metrics.ObserveSubmission(result.String())
	})
	return result, err
}

// Snapshot returns the contract state as of the next transaction slot
func (l *Ledger) Snapshot(ctx context.Context) (contract.Snapshot, error) {
	var snap contract.Snapshot
	err := l.do(ctx, func() { snap = l.contract.Snapshot() })
	return snap, err
}

// BalanceOf returns the token balance of addr in base units
func (l *Ledger) BalanceOf(ctx context.Context, addr pow.Address) (uint64, error) {
	var balance uint64
	err := l.do(ctx, func() { balance = l.balances[addr] })
	return balance, err
}

// Balances returns a copy of every non-zero balance
func (l *Ledger) Balances(ctx context.Context) (map[pow.Address]uint64, error) {
	out := make(map[pow.Address]uint64)
	err := l.do(ctx, func() {
		for addr, b := range l.balances {
			out[addr] = b
		}
	})
	return out, err
}

// Subscribe registers for mining events until ctx is cancelled or the ledger
// closes, at which point the channel is closed. Delivery is best-effort: an
// event is dropped for a subscriber whose buffer is full.
func (l *Ledger) Subscribe(ctx context.Context) (<-chan contract.MiningEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// registration is waited for regardless of ctx so the cleanup below
	// always knows the id
	ch := make(chan contract.MiningEvent, l.eventBuffer)
	var id uint64
	if err := l.do(context.Background(), func() {
		id = l.nextSub
		l.nextSub++
		l.subs[id] = ch
	}); err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = l.do(context.Background(), func() {
				if sub, ok := l.subs[id]; ok {
					close(sub)
					delete(l.subs, id)
				}
			})
		case <-l.stopped:
		}
	}()
	return ch, nil
}

// Mint implements contract.Minter. It runs on the apply goroutine.
func (l *Ledger) Mint(to pow.Address, amount uint64) {
	l.balances[to] += amount
}

// Emit implements contract.EventEmitter. It runs on the apply goroutine.
func (l *Ledger) Emit(event contract.MiningEvent) {
	snap := l.contract.Snapshot()
	l.metrics.ObserveState(snap.BlockNumber, snap.MintedSupply, difficultyFloat(&snap.Difficulty))
	l.logger.LogBlockAccepted(event.BlockNumber, event.PowHash.String(), event.Miner.String(), event.NewDifficulty.Dec())

	for _, ch := range l.subs {
		select {
		case ch <- event:
		default:
			l.metrics.ObserveDroppedEvent()
			l.logger.Warn("dropping event for slow subscriber", "block_number", event.BlockNumber)
		}
	}
}

func difficultyFloat(d *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(d.ToBig()).Float64()
	return f
}
