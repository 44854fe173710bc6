// dbpool is an operator tool for a dbpool connection pool.
//
// It builds a pool from a configuration file, the environment and flags,
// then checks or exercises the target through it.
//
// Usage:
//
//	dbpool [flags] probe     Borrow one connection and probe it
//	dbpool [flags] bench     Run scoped operations from many workers
//	dbpool [flags] config    Print the effective configuration
//
// Flags:
//
//	--config string
//	    Path to configuration file (default "~/.dbpool/config.toml")
//	--driver string
//	    Target driver: tcp, unix, sqlite, sql or postgres
//	--address string
//	    Target address (tcp, unix)
//	--path string
//	    Database file (sqlite) or DSN (sql)
//	--max-size int
//	    Maximum open connections
//	--metrics-listen string
//	    Serve Prometheus metrics on this address during bench
//	-v
//	    Enable verbose logging
//	--version
//	    Print version and exit
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/go-i2p/dbpool/lib/client"
	"github.com/go-i2p/dbpool/lib/config"
	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/factory"
	"github.com/go-i2p/dbpool/version"
)

type options struct {
	configPath    string
	driver        string
	address       string
	path          string
	maxSize       int
	metricsListen string
	workers       int
	ops           int
	hold          time.Duration
	yamlOut       bool
	verbose       bool
	showVersion   bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".dbpool", "config.toml")

	var opts options
	fs := pflag.NewFlagSet("dbpool", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", defaultConfigPath, "path to configuration file (.toml, .yaml or .yml)")
	fs.StringVar(&opts.driver, "driver", "", "target driver: tcp, unix, sqlite, sql or postgres")
	fs.StringVar(&opts.address, "address", "", "target address for tcp and unix")
	fs.StringVar(&opts.path, "path", "", "database file for sqlite, DSN for sql")
	fs.IntVar(&opts.maxSize, "max-size", 0, "maximum open connections")
	fs.StringVar(&opts.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address during bench")
	fs.IntVar(&opts.workers, "workers", 8, "bench: concurrent workers")
	fs.IntVar(&opts.ops, "ops", 100, "bench: operations per worker")
	fs.DurationVar(&opts.hold, "hold", 0, "bench: how long each operation holds its connection")
	fs.BoolVar(&opts.yamlOut, "yaml", false, "config: print YAML instead of TOML")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 2
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "dbpool version %s\n", version.Full())
		return 0
	}

	logger, err := newLogger(opts.verbose)
	if err != nil {
		fmt.Fprintf(stderr, "Error: creating logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr, fs)
		return 2
	}

	cfg, err := loadConfig(fs, &opts)
	if err != nil {
		reportError(logger, "failed to load config", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch rest[0] {
	case "probe":
		return runProbe(ctx, cfg, logger, stdout)
	case "bench":
		return runBench(ctx, cfg, &opts, logger, stdout)
	case "config":
		return runConfig(cfg, opts.yamlOut, logger, stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", rest[0])
		printUsage(stderr, fs)
		return 2
	}
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, "dbpool - connection pool operator tool\n\n")
	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, "  dbpool [flags] probe     Borrow one connection and probe it\n")
	fmt.Fprintf(w, "  dbpool [flags] bench     Run scoped operations from many workers\n")
	fmt.Fprintf(w, "  dbpool [flags] config    Print the effective configuration\n\n")
	fmt.Fprintf(w, "Flags:\n")
	fmt.Fprint(w, fs.FlagUsages())
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadConfig layers the config file, DBPOOL_* variables and flags, in that
// order.
func loadConfig(fs *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if fs.Changed("driver") {
		cfg.Target.Driver = opts.driver
	}
	if fs.Changed("address") {
		cfg.Target.Address = opts.address
	}
	if fs.Changed("path") {
		cfg.Target.Path = opts.path
	}
	if fs.Changed("max-size") {
		cfg.Pool.MaxSize = opts.maxSize
	}
	if fs.Changed("metrics-listen") {
		cfg.Metrics.Listen = opts.metricsListen
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func reportError(logger *zap.Logger, msg string, err error) {
	e := apperrors.FromSentinel(err)
	logger.Error(msg,
		zap.Int("code", e.Code),
		zap.String("reason", e.SafeMessage()),
		zap.Error(err),
	)
}

func newClient(cfg *config.Config) (*client.Client, error) {
	f, err := cfg.Target.Factory()
	if err != nil {
		return nil, err
	}
	return client.Open(f, cfg.PoolConfig())
}

// probeConn runs the connection's own health round-trip, if it has one.
func probeConn(ctx context.Context, conn factory.Connection) error {
	if p, ok := conn.(factory.Prober); ok {
		return p.Probe(ctx)
	}
	return nil
}

func runProbe(ctx context.Context, cfg *config.Config, logger *zap.Logger, stdout io.Writer) int {
	c, err := newClient(cfg)
	if err != nil {
		reportError(logger, "failed to create pool", err)
		return 1
	}
	defer c.Close()

	start := time.Now()
	if err := c.WithConnection(ctx, probeConn); err != nil {
		reportError(logger, "probe failed", err)
		return 1
	}

	fmt.Fprintf(stdout, "%s: ok (%s)\n", c.Pool().Target(), time.Since(start).Round(time.Microsecond))
	return 0
}

func runConfig(cfg *config.Config, yamlOut bool, logger *zap.Logger, stdout io.Writer) int {
	data, err := cfg.Marshal(yamlOut)
	if err != nil {
		reportError(logger, "failed to encode config", err)
		return 1
	}
	stdout.Write(data)
	return 0
}
