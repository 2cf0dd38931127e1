// Package main implements devnet: an in-process ledger mined by local
// miners, for exercising the protocol without a node.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/powtoken/internal/config"
	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/ledger"
	"github.com/bardlex/powtoken/internal/messaging"
	"github.com/bardlex/powtoken/internal/metrics"
	"github.com/bardlex/powtoken/internal/miner"
	"github.com/bardlex/powtoken/internal/notify"
	"github.com/bardlex/powtoken/internal/pow"
	"github.com/bardlex/powtoken/pkg/log"
)

type options struct {
	Miners     int           `short:"n" long:"miners" description:"Number of local miners (default DEVNET_MINERS)"`
	Difficulty uint64        `long:"difficulty" description:"Initial difficulty (default INITIAL_DIFFICULTY)"`
	MaxSupply  uint64        `long:"max-supply" description:"Supply cap in base units (default MAX_SUPPLY)"`
	Duration   time.Duration `long:"duration" description:"Stop after this long; zero runs until the supply is exhausted"`
	Kafka      bool          `long:"kafka" description:"Publish accepted blocks to KAFKA_BROKERS"`
	ZMQ        bool          `long:"zmq" description:"Publish accepted blocks on ZMQ_ENDPOINT"`
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
	if opts.Miners > 0 {
		cfg.DevnetMiners = opts.Miners
	}
	if opts.MaxSupply > 0 {
		cfg.MaxSupply = opts.MaxSupply
	}
	if opts.Difficulty > 0 {
		cfg.InitialDifficulty = uint256.NewInt(opts.Difficulty).Dec()
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	var publishers []publisher
	if opts.Kafka {
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer func() { _ = kafkaClient.Close() }()
		publishers = append(publishers, kafkaClient)
	}
	if opts.ZMQ {
		pub, err := notify.NewPublisher(cfg.ZMQEndpoint, logger)
		if err != nil {
			logger.WithError(err).Error("failed to start ZMQ publisher")
			os.Exit(1)
		}
		defer func() { _ = pub.Close() }()
		publishers = append(publishers, pub)
	}

	metrics.StartServer(ctx, cfg.MetricsAddr, logger)

	balances, err := run(ctx, cfg, logger, publishers...)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.WithError(err).Error("devnet failed")
		os.Exit(1)
	}
	printBalances(balances)
}

type publisher interface {
	PublishEvent(ctx context.Context, ev contract.MiningEvent) error
}

// minerAddress derives a deterministic identity for local miner i
func minerAddress(i int) pow.Address {
	var a pow.Address
	copy(a[1:], fmt.Sprintf("devnet-miner-%04d", i))
	return a
}

// run mines until the supply is exhausted or ctx is done and returns the
// final balances
func run(ctx context.Context, cfg *config.Config, logger *log.Logger, publishers ...publisher) (map[pow.Address]uint64, error) {
	params, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}
	if cfg.DevnetMiners <= 0 {
		return nil, fmt.Errorf("at least one miner is required")
	}

	lcfg := ledger.DefaultConfig()
	lcfg.Params = params
	l, err := ledger.New(lcfg, logger)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	miners := make([]*miner.Miner, cfg.DevnetMiners)
	for i := range miners {
		account := l.Account(minerAddress(i))
		mcfg := cfg.Miner(account.Address(), fmt.Sprintf("devnet-%d", i))
		if mcfg.Seed != 0 {
			mcfg.Seed += uint64(i)
		}
		if miners[i], err = miner.New(mcfg, account, account, account, logger); err != nil {
			return nil, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if len(publishers) > 0 {
		events, err := l.Subscribe(gctx)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			for ev := range events {
				for _, p := range publishers {
					if err := p.PublishEvent(gctx, ev); err != nil {
						logger.WithError(err).Warn("failed to publish block", "block", ev.BlockNumber)
					}
				}
			}
			return nil
		})
	}

	// the first miner to see the supply run out stops the rest
	for _, m := range miners {
		g.Go(func() error {
			return m.Run(gctx)
		})
	}

	runErr := g.Wait()
	if errors.Is(runErr, miner.ErrSupplyExhausted) {
		logger.Info("supply exhausted")
		runErr = nil
	}

	balances, err := l.Balances(context.Background())
	if err != nil {
		return nil, err
	}
	return balances, runErr
}

func printBalances(balances map[pow.Address]uint64) {
	addrs := make([]pow.Address, 0, len(balances))
	for a := range balances {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return balances[addrs[i]] > balances[addrs[j]] })

	var total uint64
	for _, a := range addrs {
		total += balances[a]
		fmt.Printf("%s %d.%08d\n", a, balances[a]/contract.Coin, balances[a]%contract.Coin)
	}
	fmt.Printf("total %d.%08d\n", total/contract.Coin, total%contract.Coin)
}
