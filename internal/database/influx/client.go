// Package influx writes hashrate and block series to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/miner"
	"github.com/bardlex/powtoken/pkg/log"
)

// Measurements
const (
	measurementHashrate = "hashrate"
	measurementBlocks   = "blocks"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
	logger   *log.Logger
	done     chan struct{}
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client and checks its health. Write
// errors from the non-blocking API are logged.
func NewClient(ctx context.Context, cfg *Config, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(healthCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		logger:   logger.WithComponent("influx"),
		done:     make(chan struct{}),
	}
	go c.logErrors()
	return c, nil
}

func (c *Client) logErrors() {
	errs := c.writeAPI.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			c.logger.WithError(err).Warn("InfluxDB write failed")
		case <-c.done:
			return
		}
	}
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	close(c.done)
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// HashratePoint builds the point for a hashrate report
func HashratePoint(r miner.HashrateReport) *write.Point {
	tags := map[string]string{
		"miner": r.Miner,
	}
	fields := map[string]any{
		"hashrate":     r.HashesPerSecond,
		"hashes":       int64(r.Hashes),
		"block_number": int64(r.BlockNumber),
	}
	return write.NewPoint(measurementHashrate, tags, fields, r.At)
}

// BlockPoint builds the point for an accepted block, stamped with the block
// timestamp
func BlockPoint(ev *contract.MiningEvent) *write.Point {
	tags := map[string]string{
		"miner": ev.Miner.String(),
	}
	diff, _ := strconv.ParseFloat(ev.NewDifficulty.Dec(), 64)
	fields := map[string]any{
		"block_number": int64(ev.BlockNumber),
		"difficulty":   diff,
		"reward":       int64(ev.Reward),
		"count":        1,
	}
	return write.NewPoint(measurementBlocks, tags, fields, time.UnixMilli(int64(ev.Timestamp)))
}

// RecordHashrate implements miner.StatsSink. The write is asynchronous.
func (c *Client) RecordHashrate(_ context.Context, r miner.HashrateReport) error {
	c.writeAPI.WritePoint(HashratePoint(r))
	return nil
}

// WriteBlock queues the point for an accepted block
func (c *Client) WriteBlock(ev *contract.MiningEvent) {
	c.writeAPI.WritePoint(BlockPoint(ev))
}

// HashrateHistory returns five-minute mean hashrate for a miner label
func (c *Client) HashrateHistory(ctx context.Context, label string, duration time.Duration) ([]HashrateSample, error) {
	query := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == %q)
		|> filter(fn: (r) => r.miner == %q)
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)
	`, c.bucket, duration.String(), measurementHashrate, label)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() { _ = result.Close() }()

	var points []HashrateSample
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashrateSample{
				Time:     record.Time(),
				Hashrate: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}
	return points, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// HashrateSample is a hashrate measurement at a point in time
type HashrateSample struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}
