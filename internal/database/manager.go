// Package database fans accepted blocks and hashrate reports out to
// PostgreSQL, Redis and InfluxDB.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/database/influx"
	"github.com/bardlex/powtoken/internal/database/postgres"
	"github.com/bardlex/powtoken/internal/database/redis"
	"github.com/bardlex/powtoken/internal/metrics"
	"github.com/bardlex/powtoken/internal/miner"
	"github.com/bardlex/powtoken/pkg/circuit"
	"github.com/bardlex/powtoken/pkg/errors"
	"github.com/bardlex/powtoken/pkg/log"
	"github.com/bardlex/powtoken/pkg/retry"
)

type blockArchive interface {
	CreateBlock(ctx context.Context, ev *contract.MiningEvent) (bool, error)
}

type blockCache interface {
	RecordBlock(ctx context.Context, ev *contract.MiningEvent) (bool, error)
	RecordHashrate(ctx context.Context, r miner.HashrateReport) error
}

type seriesWriter interface {
	WriteBlock(ev *contract.MiningEvent)
	RecordHashrate(ctx context.Context, r miner.HashrateReport) error
}

// Manager coordinates the configured stores. Any of them may be absent.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Blocks *postgres.BlockRepository

	archive blockArchive
	cache   blockCache
	series  seriesWriter

	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems; nil disables a store
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects every configured store. A failure closes the stores
// already opened.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := newManager(logger)

	if cfg.Postgres != nil {
		pg, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		m.Postgres = pg
		m.Blocks = postgres.NewBlockRepository(pg.DB())
		m.archive = m.Blocks
	}

	if cfg.Redis != nil {
		rc, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, m.closeAfter(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database"))
		}
		m.Redis = rc
		m.cache = rc
	}

	if cfg.Influx != nil {
		ic, err := influx.NewClient(ctx, cfg.Influx, logger)
		if err != nil {
			return nil, m.closeAfter(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database"))
		}
		m.Influx = ic
		m.series = ic
	}

	return m, nil
}

func newManager(logger *log.Logger) *Manager {
	m := &Manager{
		logger:      logger.WithComponent("database"),
		retryConfig: retry.DatabaseConfig(),
	}
	m.circuitBreaker = circuit.New(&circuit.Config{
		Name:            "postgres",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		IsFailure:       circuit.TransportFailure,
		OnStateChange: func(name string, from, to circuit.State) {
			m.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return m
}

func (m *Manager) closeAfter(err *errors.ServiceError) error {
	if closeErr := m.Close(); closeErr != nil {
		return err.WithContext("cleanup_error", closeErr.Error())
	}
	return err
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks the health of all configured connections
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// RecordEvent archives an accepted block. The Postgres insert is the
// critical write and is retried; Redis and InfluxDB are best effort. A
// redelivered block is archived once and skips the other stores.
func (m *Manager) RecordEvent(ctx context.Context, ev contract.MiningEvent) error {
	fresh := true
	if m.archive != nil {
		err := m.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
			return retry.Do(ctx, m.retryConfig, func(ctx context.Context) error {
				inserted, err := m.archive.CreateBlock(ctx, &ev)
				if err != nil {
					return err
				}
				fresh = inserted
				return nil
			})
		})
		metrics.ObserveRelay("postgres", err)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_event",
				"failed to archive block in PostgreSQL").
				WithContext("block_number", ev.BlockNumber)
		}
	}
	if !fresh {
		m.logger.Debug("block already archived", "block", ev.BlockNumber)
		return nil
	}

	if m.cache != nil {
		_, err := m.cache.RecordBlock(ctx, &ev)
		metrics.ObserveRelay("redis", err)
		if err != nil {
			m.logger.WithError(err).Warn("failed to cache block (non-critical)", "block", ev.BlockNumber)
		}
	}
	if m.series != nil {
		m.series.WriteBlock(&ev)
		metrics.ObserveRelay("influx", nil)
	}
	return nil
}

// RecordHashrate implements miner.StatsSink over Redis and InfluxDB
func (m *Manager) RecordHashrate(ctx context.Context, r miner.HashrateReport) error {
	var firstErr error
	if m.cache != nil {
		if err := m.cache.RecordHashrate(ctx, r); err != nil {
			firstErr = err
		}
	}
	if m.series != nil {
		if err := m.series.RecordHashrate(ctx, r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
