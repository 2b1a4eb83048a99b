package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"

	"github.com/cordonlabs/cordon/internal/feed"
	"github.com/cordonlabs/cordon/internal/flow"
	"github.com/cordonlabs/cordon/internal/presence"
	"github.com/cordonlabs/cordon/internal/server"
)

var (
	// set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type Runner interface {
	Init([]string) error
	Run() error
	Name() string
	Fs() *flag.FlagSet
	Description() string
}

func NewStartCommand() *StartCommand {
	c := &StartCommand{
		fs:          flag.NewFlagSet("start", flag.ExitOnError),
		description: "command set for starting the broker",
	}
	c.fs.StringVar(&c.listenAddr, "listen-addr", "localhost:8080", "listening address for the client websocket endpoint")
	c.fs.StringVar(&c.metricsAddr, "metrics-addr", "127.0.0.1:2112", "listening address for prometheus and pprof")
	c.fs.StringVar(&c.seedPath, "seed", "", "path to a JSON seed file with account state and tokens")
	c.fs.StringVar(&c.kafkaBrokersCSV, "kafka-brokers", "", "comma separated kafka brokers for the change feed (empty: in-memory feed only)")
	c.fs.StringVar(&c.kafkaTopic, "kafka-topic", "portal.changes", "kafka topic carrying change events")
	c.fs.StringVar(&c.kafkaGroup, "kafka-group", "broker", "kafka consumer group")
	c.fs.StringVar(&c.geoDBPath, "geoip-db", "", "path to a maxmind city database (empty: no geolocation)")
	c.fs.DurationVar(&c.debounce, "presence-debounce", 50*time.Millisecond, "relay presence debounce window")
	c.fs.DurationVar(&c.refresh, "policy-refresh", time.Minute, "re-evaluation interval for time-based policy conditions")
	c.fs.Float64Var(&c.connectRate, "connect-rate", 1, "connection attempts per second per (address, credential)")
	c.fs.IntVar(&c.connectBurst, "connect-burst", 5, "connection attempt burst per (address, credential)")
	c.fs.BoolVar(&c.verbose, "verbose", false, "enable debug logging")
	c.fs.BoolVar(&c.showVersion, "version", false, "show version information and exit")
	return c
}

type StartCommand struct {
	fs          *flag.FlagSet
	description string

	listenAddr      string
	metricsAddr     string
	seedPath        string
	kafkaBrokersCSV string
	kafkaTopic      string
	kafkaGroup      string
	geoDBPath       string
	debounce        time.Duration
	refresh         time.Duration
	connectRate     float64
	connectBurst    int
	verbose         bool
	showVersion     bool
}

func (c *StartCommand) Fs() *flag.FlagSet { return c.fs }

func (c *StartCommand) Name() string { return c.fs.Name() }

func (c *StartCommand) Description() string { return c.description }

func (c *StartCommand) Init(args []string) error {
	return c.fs.Parse(args)
}

func (c *StartCommand) Run() error {
	if c.showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	logger := newLogger(c.verbose)
	slog.SetDefault(logger)
	server.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.seedPath == "" {
		return errors.New("seed is required")
	}
	seed, err := server.LoadSeed(c.seedPath)
	if err != nil {
		return err
	}
	store := server.NewSeedStore(seed)

	registry := presence.NewRegistry()
	seed.JoinPresence(registry)
	source := feed.NewMemorySource()

	if c.kafkaBrokersCSV != "" {
		consumer, err := feed.NewKafkaConsumer(source,
			feed.WithKafkaBrokers(strings.Split(c.kafkaBrokersCSV, ",")),
			feed.WithKafkaTopic(c.kafkaTopic),
			feed.WithKafkaGroup(c.kafkaGroup),
			feed.WithKafkaLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("building kafka consumer: %w", err)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("change feed consumer stopped", "error", err)
			}
		}()
	}

	negotiator, err := flow.NewNegotiator(flow.Config{
		Logger: logger,
		Clock:  clockwork.NewRealClock(),
		Hub:    flow.NewHub(),
	})
	if err != nil {
		return err
	}
	defer negotiator.Close()

	cfg := server.Config{
		Logger:          logger,
		Clock:           clockwork.NewRealClock(),
		Registry:        registry,
		Feed:            source,
		Negotiator:      negotiator,
		Tokens:          store,
		Snapshots:       store,
		ListenAddr:      c.listenAddr,
		MetricsAddr:     c.metricsAddr,
		ConnectRate:     rate.Limit(c.connectRate),
		ConnectBurst:    c.connectBurst,
		DebounceWindow:  c.debounce,
		RefreshInterval: c.refresh,
	}
	if c.geoDBPath != "" {
		geo, err := server.OpenMaxMind(c.geoDBPath)
		if err != nil {
			return err
		}
		defer geo.Close()
		cfg.Geo = geo
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	logger.Info("starting broker", "listen-addr", c.listenAddr)
	return srv.Run(ctx)
}

func root(args []string) error {
	cmds := []Runner{
		NewStartCommand(),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "\nUsage:\n\n")
		w := tabwriter.NewWriter(os.Stderr, 0, 0, 3, ' ', 0)
		for _, cmd := range cmds {
			fmt.Fprintf(w, "\t%s\t%s\t\n", cmd.Name(), cmd.Description())
		}
		w.Flush()
	}

	if len(args) < 1 {
		return errors.New("error: you must pass a sub-command")
	}

	subcommand := args[0]
	for _, cmd := range cmds {
		if cmd.Name() == subcommand {
			if err := cmd.Init(args[1:]); err != nil {
				return err
			}
			return cmd.Run()
		}
	}
	return fmt.Errorf("unknown subcommand: %s", subcommand)
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}))
}

func main() {
	if err := root(os.Args[1:]); err != nil {
		fmt.Println(err)
		flag.Usage()
		os.Exit(1)
	}
}
