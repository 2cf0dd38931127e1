// Package redis caches the latest accepted block, per-miner rewards and
// hashrate windows.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/miner"
	"github.com/bardlex/powtoken/pkg/errors"
)

// Key layout
const (
	keyPrefix      = "powtoken:"
	keyLatestBlock = keyPrefix + "latest_block"
	keyRewards     = keyPrefix + "rewards"
	keyBlockSeen   = keyPrefix + "block:"
	keyHashrate    = keyPrefix + "hashrate:"
)

// blockSeenTTL bounds how long a block marker guards against redelivery
const blockSeenTTL = 24 * time.Hour

// Client wraps Redis operations for the relay and miners
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	// URL is a redis:// connection string; it supplies address, password
	// and database
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns connection settings for url
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		PoolSize:     10,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewClient creates a new Redis client and pings it
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "redis_config", "invalid Redis URL")
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_ping", "failed to ping Redis").
			WithRetryable(true)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// recordBlock marks a block as seen, credits its reward and raises the
// latest block. A block that was already seen changes nothing.
//
// KEYS: block marker, rewards hash, latest block
// ARGV: block number, miner, reward, marker ttl in seconds
var recordBlock = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[2], 'NX', 'EX', ARGV[4]) == false then
	return 0
end
redis.call('HINCRBY', KEYS[2], ARGV[2], ARGV[3])
local latest = tonumber(redis.call('GET', KEYS[3]) or '-1')
if tonumber(ARGV[1]) > latest then
	redis.call('SET', KEYS[3], ARGV[1])
end
return 1
`)

// RecordBlock applies an accepted block to the cache. It reports false for
// a redelivered block.
func (c *Client) RecordBlock(ctx context.Context, ev *contract.MiningEvent) (bool, error) {
	block := strconv.FormatUint(ev.BlockNumber, 10)
	keys := []string{keyBlockSeen + block, keyRewards, keyLatestBlock}
	n, err := recordBlock.Run(ctx, c.rdb, keys,
		block, ev.Miner.String(), ev.Reward, int(blockSeenTTL.Seconds()),
	).Int()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_record_block", "failed to record block").
			WithContext("block_number", ev.BlockNumber)
	}
	return n == 1, nil
}

// LatestBlock returns the highest recorded block number. ok is false when
// nothing was recorded.
func (c *Client) LatestBlock(ctx context.Context) (block uint64, ok bool, err error) {
	val, err := c.rdb.Get(ctx, keyLatestBlock).Uint64()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_latest_block", "failed to get latest block")
	}
	return val, true, nil
}

// Rewards returns the cached reward total for a miner identity (hex)
func (c *Client) Rewards(ctx context.Context, miner string) (uint64, error) {
	val, err := c.rdb.HGet(ctx, keyRewards, miner).Uint64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_rewards", "failed to get rewards")
	}
	return val, nil
}

// SetHashrate adds a sample to the miner's sliding window
func (c *Client) SetHashrate(ctx context.Context, label string, hashrate float64, at time.Time, window time.Duration) error {
	key := keyHashrate + label
	score := float64(at.UnixMilli())

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: hashrateMember(hashrate, at)})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(at.Add(-window).UnixMilli(), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "redis_hashrate", "failed to set hashrate").
			WithContext("miner", label)
	}
	return nil
}

// AverageHashrate averages the miner's samples newer than window
func (c *Client) AverageHashrate(ctx context.Context, label string, now time.Time, window time.Duration) (float64, error) {
	values, err := c.rdb.ZRangeByScore(ctx, keyHashrate+label, &redis.ZRangeBy{
		Min: strconv.FormatInt(now.Add(-window).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_hashrate", "failed to get hashrate values")
	}
	return averageMembers(values), nil
}

// RecordHashrate implements miner.StatsSink, keeping a ten minute window
func (c *Client) RecordHashrate(ctx context.Context, r miner.HashrateReport) error {
	return c.SetHashrate(ctx, r.Miner, r.HashesPerSecond, r.At, 10*time.Minute)
}

// hashrateMember makes equal rates at different times distinct set members
func hashrateMember(hashrate float64, at time.Time) string {
	return fmt.Sprintf("%d:%g", at.UnixMilli(), hashrate)
}

func averageMembers(values []string) float64 {
	var total float64
	var n int
	for _, v := range values {
		v = v[strings.LastIndexByte(v, ':')+1:]
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			total += rate
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
