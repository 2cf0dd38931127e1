// Package main implements eventrelay, which follows the contract's mining
// events over the node websocket and fans them out to Kafka, ZMQ and the
// configured stores.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/powtoken/internal/config"
	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/database"
	"github.com/bardlex/powtoken/internal/messaging"
	"github.com/bardlex/powtoken/internal/metrics"
	"github.com/bardlex/powtoken/internal/miner"
	"github.com/bardlex/powtoken/internal/notify"
	"github.com/bardlex/powtoken/internal/xelis"
	"github.com/bardlex/powtoken/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting eventrelay",
		"version", cfg.Version,
		"node", cfg.NodeURL,
		"websocket", cfg.WebsocketURL,
		"contract", cfg.ContractHash,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("eventrelay failed")
		os.Exit(1)
	}
	logger.Info("eventrelay stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	client, err := xelis.NewClient(cfg.Xelis(), logger)
	if err != nil {
		return err
	}
	stream, err := xelis.NewEventStream(cfg.Stream(), client, logger)
	if err != nil {
		return err
	}

	var publishers []namedPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer func() { _ = kafkaClient.Close() }()
		publishers = append(publishers, namedPublisher{"kafka", kafkaClient})
	}
	if cfg.ZMQEndpoint != "" {
		pub, err := notify.NewPublisher(cfg.ZMQEndpoint, logger)
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		publishers = append(publishers, namedPublisher{"zmq", pub})
	}

	db, err := database.NewManager(ctx, cfg.Database(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("failed to close databases")
		}
	}()

	metrics.StartServer(ctx, cfg.MetricsAddr, logger)

	relay := NewRelay(logger, stream, db, publishers...)
	if err := relay.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return relay.Shutdown(shutdownCtx)
}

// Publisher forwards an accepted block to a bus
type Publisher interface {
	PublishEvent(ctx context.Context, ev contract.MiningEvent) error
}

// Archiver stores an accepted block
type Archiver interface {
	RecordEvent(ctx context.Context, ev contract.MiningEvent) error
}

type namedPublisher struct {
	name string
	Publisher
}

// Relay moves events from a source to publishers and an archive
type Relay struct {
	logger     *log.Logger
	source     miner.EventSource
	archive    Archiver
	publishers []namedPublisher

	lastBlock uint64
	seen      bool
	done      chan struct{}
}

// NewRelay creates a relay; archive may be nil
func NewRelay(logger *log.Logger, source miner.EventSource, archive Archiver, publishers ...namedPublisher) *Relay {
	return &Relay{
		logger:     logger.WithComponent("eventrelay"),
		source:     source,
		archive:    archive,
		publishers: publishers,
		done:       make(chan struct{}),
	}
}

// Start relays events until ctx is done or the source closes
func (r *Relay) Start(ctx context.Context) error {
	defer close(r.done)

	events, err := r.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	r.logger.Info("relay started", "publishers", len(r.publishers))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				r.logger.Info("event source closed")
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

// Shutdown waits for Start to return
func (r *Relay) Shutdown(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// handle forwards one event. Events at or below the last relayed block are
// redeliveries and are dropped.
func (r *Relay) handle(ctx context.Context, ev contract.MiningEvent) {
	logger := r.logger.WithFields("block", ev.BlockNumber)
	if r.seen && ev.BlockNumber <= r.lastBlock {
		logger.Debug("skipping redelivered event", "last", r.lastBlock)
		return
	}

	started := time.Now()
	if r.archive != nil {
		if err := r.archive.RecordEvent(ctx, ev); err != nil {
			logger.WithError(err).Error("failed to archive event")
		}
	}
	for _, p := range r.publishers {
		if err := p.PublishEvent(ctx, ev); err != nil {
			logger.WithError(err).Error("failed to publish event", "sink", p.name)
		}
	}
	logger.LogDuration("relay_event", time.Since(started).Nanoseconds())

	r.lastBlock = ev.BlockNumber
	r.seen = true
}
