// Package main implements the powtoken miner. It mines the PoW contract on a
// Xelis node, submitting solutions through the local wallet.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/bardlex/powtoken/internal/config"
	"github.com/bardlex/powtoken/internal/database"
	"github.com/bardlex/powtoken/internal/messaging"
	"github.com/bardlex/powtoken/internal/metrics"
	"github.com/bardlex/powtoken/internal/miner"
	"github.com/bardlex/powtoken/internal/notify"
	"github.com/bardlex/powtoken/internal/xelis"
	"github.com/bardlex/powtoken/pkg/log"
)

// options override the environment configuration
type options struct {
	Address     string `short:"a" long:"address" description:"Xelis address that receives the rewards"`
	Label       string `long:"label" description:"Name used in logs and metrics (defaults to the address)"`
	Node        string `long:"node" description:"Daemon JSON-RPC URL"`
	Wallet      string `long:"wallet" description:"Wallet JSON-RPC URL"`
	WalletUser  string `long:"wallet-user" description:"Wallet RPC user"`
	WalletPass  string `long:"wallet-password" description:"Wallet RPC password"`
	Websocket   string `long:"ws" description:"Daemon websocket URL"`
	Contract    string `long:"contract" description:"PoW contract hash"`
	MaxGas      uint64 `long:"max-gas" description:"Gas limit per submission"`
	Events      string `long:"events" choice:"websocket" choice:"kafka" choice:"zmq" choice:"none" description:"Source of block events"`
	MetricsAddr string `long:"metrics-addr" description:"Prometheus listen address"`
	Seed        uint64 `long:"seed" description:"Start nonce seed (0 derives one from the clock)"`
	LogLevel    string `long:"log-level" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
}

// apply copies the flags that were set onto cfg
func (o *options) apply(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.MinerAddress, o.Address)
	set(&cfg.MinerLabel, o.Label)
	set(&cfg.NodeURL, o.Node)
	set(&cfg.WalletURL, o.Wallet)
	set(&cfg.WalletUser, o.WalletUser)
	set(&cfg.WalletPassword, o.WalletPass)
	set(&cfg.WebsocketURL, o.Websocket)
	set(&cfg.ContractHash, o.Contract)
	set(&cfg.EventSource, o.Events)
	set(&cfg.MetricsAddr, o.MetricsAddr)
	set(&cfg.LogLevel, o.LogLevel)
	if o.MaxGas != 0 {
		cfg.MaxGas = o.MaxGas
	}
	if o.Seed != 0 {
		cfg.MinerSeed = o.Seed
	}
}

func main() {
	var opts options
	if _, err := flags.ParseArgs(&opts, os.Args[1:]); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch err := run(ctx, cfg, logger); {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("miner stopped")
	case errors.Is(err, miner.ErrSupplyExhausted):
		logger.Info("supply exhausted, nothing left to mine")
	default:
		logger.WithError(err).Error("miner failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	addr, label, err := cfg.MinerIdentity()
	if err != nil {
		return err
	}
	if cfg.ContractHash == "" {
		return fmt.Errorf("CONTRACT_HASH cannot be empty")
	}

	client, err := xelis.NewClient(cfg.Xelis(), logger)
	if err != nil {
		return err
	}

	var kafkaClient *messaging.KafkaClient
	if cfg.EventSource == config.EventSourceKafka {
		kafkaClient = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer func() { _ = kafkaClient.Close() }()
	}

	events, err := eventSource(cfg, client, kafkaClient, label, logger)
	if err != nil {
		return err
	}

	var sinks statsSinks
	if kafkaClient != nil {
		sinks = append(sinks, kafkaClient)
	}
	dbCfg := cfg.Database()
	dbCfg.Postgres = nil
	if dbCfg.Redis != nil || dbCfg.Influx != nil {
		db, err := database.NewManager(ctx, dbCfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		sinks = append(sinks, db)
	}

	var minerOpts []miner.Option
	if len(sinks) > 0 {
		minerOpts = append(minerOpts, miner.WithStatsSink(sinks))
	}

	metrics.StartServer(ctx, cfg.MetricsAddr, logger)

	m, err := miner.New(cfg.Miner(addr, label), client, client, events, logger, minerOpts...)
	if err != nil {
		return err
	}
	logger.Info("starting miner",
		"version", cfg.Version,
		"address", cfg.MinerAddress,
		"identity", addr.String(),
		"contract", cfg.ContractHash,
		"events", cfg.EventSource,
	)
	return m.Run(ctx)
}

// eventSource builds the configured block event source; "none" yields nil
func eventSource(cfg *config.Config, client *xelis.Client, kafkaClient *messaging.KafkaClient, label string, logger *log.Logger) (miner.EventSource, error) {
	switch cfg.EventSource {
	case config.EventSourceWebsocket:
		stream, err := xelis.NewEventStream(cfg.Stream(), client, logger)
		if err != nil {
			return nil, err
		}
		return stream, nil
	case config.EventSourceKafka:
		group := cfg.KafkaGroupID
		if group == "" {
			group = "powtoken-miner-" + label
		}
		return kafkaClient.Events(group), nil
	case config.EventSourceZMQ:
		return notify.NewSubscriber(cfg.ZMQEndpoint, logger), nil
	case config.EventSourceNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown event source %q", cfg.EventSource)
	}
}

// statsSinks sends each report to every sink, returning the first error
type statsSinks []miner.StatsSink

func (s statsSinks) RecordHashrate(ctx context.Context, r miner.HashrateReport) error {
	var firstErr error
	for _, sink := range s {
		if err := sink.RecordHashrate(ctx, r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
