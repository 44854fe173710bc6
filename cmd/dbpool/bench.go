package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/go-i2p/dbpool/lib/config"
	"github.com/go-i2p/dbpool/lib/factory"
	"github.com/go-i2p/dbpool/lib/metrics"
	"github.com/go-i2p/dbpool/lib/pool"
)

func runBench(ctx context.Context, cfg *config.Config, opts *options, logger *zap.Logger, stdout io.Writer) int {
	if opts.workers < 1 || opts.ops < 1 {
		logger.Error("bench needs at least one worker and one operation",
			zap.Int("workers", opts.workers), zap.Int("ops", opts.ops))
		return 2
	}

	c, err := newClient(cfg)
	if err != nil {
		reportError(logger, "failed to create pool", err)
		return 1
	}
	defer c.Close()

	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	op := func(ctx context.Context, conn factory.Connection) error {
		if err := probeConn(ctx, conn); err != nil {
			return err
		}
		if opts.hold > 0 {
			select {
			case <-time.After(opts.hold):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	logger.Info("bench started",
		zap.String("target", c.Pool().Target()),
		zap.Int("workers", opts.workers),
		zap.Int("ops", opts.ops),
		zap.Int("max_size", cfg.Pool.MaxSize),
	)

	var failed atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < opts.workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < opts.ops && ctx.Err() == nil; i++ {
				if err := c.WithConnection(ctx, op); err != nil {
					failed.Add(1)
					logger.Debug("operation failed", zap.Int("worker", worker), zap.Error(err))
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	stats := c.Stats()
	pool.UpdateMetrics(stats)
	printStats(stdout, stats, elapsed, failed.Load())

	if failed.Load() > 0 {
		return 1
	}
	return 0
}

func serveMetrics(mc config.MetricsConfig, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, metrics.Handler())
	srv := &http.Server{
		Addr:              mc.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.String("listen", mc.Listen), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("listen", mc.Listen), zap.String("path", mc.Path))
	return srv
}

func printStats(w io.Writer, s pool.Stats, elapsed time.Duration, failed int64) {
	total := s.AcquireSuccess
	rate := float64(total) / elapsed.Seconds()

	fmt.Fprintf(w, "Elapsed:      %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Operations:   %d ok, %d failed (%.0f/s)\n", total, failed, rate)
	fmt.Fprintf(w, "Acquires:     %d total, %d timed out\n", s.AcquireCount, s.AcquireTimeouts)
	fmt.Fprintf(w, "Connections:  %d open of %d, %d idle\n", s.Open, s.MaxSize, s.Idle)
	fmt.Fprintf(w, "Created:      %d\n", s.TotalCreated)
	fmt.Fprintf(w, "Closed:       %d\n", s.TotalClosed)
	fmt.Fprintf(w, "Failures:     %d connect, %d validation\n", s.ConnectFailures, s.ValidationFailures)
}
