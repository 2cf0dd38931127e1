// Package config loads powtoken service configuration from environment
// variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/database"
	"github.com/bardlex/powtoken/internal/database/influx"
	"github.com/bardlex/powtoken/internal/database/postgres"
	"github.com/bardlex/powtoken/internal/database/redis"
	"github.com/bardlex/powtoken/internal/miner"
	"github.com/bardlex/powtoken/internal/pow"
	"github.com/bardlex/powtoken/internal/xelis"
)

// Event sources a miner can listen on
const (
	EventSourceWebsocket = "websocket"
	EventSourceKafka     = "kafka"
	EventSourceZMQ       = "zmq"
	EventSourceNone      = "none"
)

// Config holds the configuration shared by powtoken services
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Xelis node and wallet
	NodeURL          string
	WalletURL        string
	WalletUser       string
	WalletPassword   string
	WebsocketURL     string
	ContractHash     string
	SubmitEntryID    uint16
	EventID          uint64
	MaxGas           uint64
	RequestTimeout   time.Duration
	QueriesPerSecond int

	// Miner
	MinerAddress         string
	MinerLabel           string
	EventSource          string
	HashReportInterval   uint64
	HashrateReportPeriod time.Duration
	TimestampRefresh     time.Duration
	ConfirmTimeout       time.Duration
	RetryBackoff         time.Duration
	MinerSeed            uint64

	// Event bus
	KafkaBrokers []string
	KafkaGroupID string
	ZMQEndpoint  string

	// Stores; an empty URL disables the store
	PostgresURL  string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Chain parameters for the in-process ledger
	MaxSupply         uint64
	BlockReward       uint64
	TargetBlockTime   time.Duration
	InitialDifficulty string
	RetargetInterval  uint64
	FutureDrift       time.Duration
	PastDrift         time.Duration

	// Devnet
	DevnetMiners int

	// Observability
	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	chain := contract.DefaultParams()

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "powtoken"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		NodeURL:          getEnv("XELIS_NODE_URL", "http://127.0.0.1:8080/json_rpc"),
		WalletURL:        getEnv("XELIS_WALLET_URL", "http://127.0.0.1:8081/json_rpc"),
		WalletUser:       getEnv("XELIS_WALLET_USER", ""),
		WalletPassword:   getEnv("XELIS_WALLET_PASSWORD", ""),
		WebsocketURL:     getEnv("XELIS_WS_URL", "ws://127.0.0.1:8080/json_rpc"),
		ContractHash:     getEnv("CONTRACT_HASH", ""),
		SubmitEntryID:    uint16(getEnvUint("SUBMIT_ENTRY_ID", 5)),
		EventID:          getEnvUint("EVENT_ID", 1),
		MaxGas:           getEnvUint("MAX_GAS", 5_000_000),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", 15*time.Second),
		QueriesPerSecond: getEnvInt("QUERIES_PER_SECOND", 20),

		MinerAddress:         getEnv("MINER_ADDRESS", ""),
		MinerLabel:           getEnv("MINER_LABEL", ""),
		EventSource:          getEnv("EVENT_SOURCE", EventSourceWebsocket),
		HashReportInterval:   getEnvUint("HASH_REPORT_INTERVAL", 100_000),
		HashrateReportPeriod: getEnvDuration("HASHRATE_REPORT_PERIOD", 10*time.Second),
		TimestampRefresh:     getEnvDuration("TIMESTAMP_REFRESH", 10*time.Second),
		ConfirmTimeout:       getEnvDuration("CONFIRM_TIMEOUT", 30*time.Second),
		RetryBackoff:         getEnvDuration("RETRY_BACKOFF", 5*time.Second),
		MinerSeed:            getEnvUint("MINER_SEED", 0),

		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", ""),
		ZMQEndpoint:  getEnv("ZMQ_ENDPOINT", "tcp://127.0.0.1:28400"),

		PostgresURL:  getEnv("POSTGRES_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "powtoken"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),

		MaxSupply:         getEnvUint("MAX_SUPPLY", chain.MaxSupply),
		BlockReward:       getEnvUint("BLOCK_REWARD", chain.BlockReward),
		TargetBlockTime:   getEnvDuration("TARGET_BLOCK_TIME", chain.TargetBlockTime),
		InitialDifficulty: getEnv("INITIAL_DIFFICULTY", chain.InitialDifficulty.Dec()),
		RetargetInterval:  getEnvUint("RETARGET_INTERVAL", chain.RetargetInterval),
		FutureDrift:       getEnvDuration("FUTURE_DRIFT", chain.FutureDrift),
		PastDrift:         getEnvDuration("PAST_DRIFT", chain.PastDrift),

		DevnetMiners: getEnvInt("DEVNET_MINERS", 2),

		MetricsAddr: getEnv("METRICS_ADDR", ":9100"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate performs basic validation of configuration values. Settings that
// only one command needs are checked by that command.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	switch c.EventSource {
	case EventSourceWebsocket, EventSourceKafka, EventSourceZMQ, EventSourceNone:
	default:
		return fmt.Errorf("EVENT_SOURCE must be one of websocket, kafka, zmq or none, got %q", c.EventSource)
	}

	if c.EventSource == EventSourceKafka && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS cannot be empty when EVENT_SOURCE is kafka")
	}

	if c.HashReportInterval == 0 {
		return fmt.Errorf("HASH_REPORT_INTERVAL must be positive")
	}

	if c.TimestampRefresh <= 0 || c.TimestampRefresh >= c.PastDrift {
		return fmt.Errorf("TIMESTAMP_REFRESH must be positive and shorter than PAST_DRIFT")
	}

	if c.DevnetMiners < 0 {
		return fmt.Errorf("DEVNET_MINERS must not be negative")
	}

	if _, err := c.ChainParams(); err != nil {
		return err
	}

	return nil
}

// ChainParams returns the chain constants for an in-process ledger
func (c *Config) ChainParams() (contract.Params, error) {
	p := contract.Params{
		MaxSupply:        c.MaxSupply,
		BlockReward:      c.BlockReward,
		TargetBlockTime:  c.TargetBlockTime,
		RetargetInterval: c.RetargetInterval,
		FutureDrift:      c.FutureDrift,
		PastDrift:        c.PastDrift,
	}
	diff, err := uint256.FromDecimal(c.InitialDifficulty)
	if err != nil {
		return p, fmt.Errorf("INITIAL_DIFFICULTY must be a decimal integer: %w", err)
	}
	p.InitialDifficulty = *diff
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid chain parameters: %w", err)
	}
	return p, nil
}

// MinerIdentity parses MINER_ADDRESS and returns the identity with its label
func (c *Config) MinerIdentity() (pow.Address, string, error) {
	if c.MinerAddress == "" {
		return pow.Address{}, "", fmt.Errorf("MINER_ADDRESS cannot be empty")
	}
	addr, err := xelis.ParseAddress(c.MinerAddress)
	if err != nil {
		return pow.Address{}, "", fmt.Errorf("MINER_ADDRESS: %w", err)
	}
	label := c.MinerLabel
	if label == "" {
		label = c.MinerAddress
	}
	return addr, label, nil
}

// Miner returns the miner tuning for an identity
func (c *Config) Miner(addr pow.Address, label string) miner.Config {
	mc := miner.DefaultConfig(addr, label)
	mc.HashReportInterval = c.HashReportInterval
	mc.HashrateReportPeriod = c.HashrateReportPeriod
	mc.TimestampRefresh = c.TimestampRefresh
	mc.PastDrift = c.PastDrift
	mc.ConfirmTimeout = c.ConfirmTimeout
	mc.RetryBackoff = c.RetryBackoff
	mc.Seed = c.MinerSeed
	return mc
}

// Xelis returns the node and wallet client settings
func (c *Config) Xelis() xelis.Config {
	return xelis.Config{
		NodeURL:          c.NodeURL,
		WalletURL:        c.WalletURL,
		WalletUser:       c.WalletUser,
		WalletPassword:   c.WalletPassword,
		Contract:         c.ContractHash,
		SubmitEntryID:    c.SubmitEntryID,
		MaxGas:           c.MaxGas,
		RequestTimeout:   c.RequestTimeout,
		QueriesPerSecond: c.QueriesPerSecond,
	}
}

// Stream returns the contract event subscription settings
func (c *Config) Stream() xelis.StreamConfig {
	return xelis.StreamConfig{
		URL:          c.WebsocketURL,
		Contract:     c.ContractHash,
		EventID:      c.EventID,
		RetryBackoff: c.RetryBackoff,
	}
}

// Database returns the store settings; stores without a URL are omitted
func (c *Config) Database() *database.Config {
	cfg := &database.Config{}
	if c.PostgresURL != "" {
		cfg.Postgres = postgres.DefaultConfig(c.PostgresURL)
	}
	if c.RedisURL != "" {
		cfg.Redis = redis.DefaultConfig(c.RedisURL)
	}
	if c.InfluxURL != "" {
		cfg.Influx = &influx.Config{
			URL:    c.InfluxURL,
			Token:  c.InfluxToken,
			Org:    c.InfluxOrg,
			Bucket: c.InfluxBucket,
		}
	}
	return cfg
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(strings.ReplaceAll(value, "_", ""), 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}
