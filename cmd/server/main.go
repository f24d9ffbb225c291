// Command poplog-server is the poplog queue server process.
// It loads configuration, initialises node identity, recovers every queue and
// serves the HTTP API.
//
// Usage:
//
//	poplog-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sneh-joshi/poplog/internal/broker"
	"github.com/sneh-joshi/poplog/internal/config"
	"github.com/sneh-joshi/poplog/internal/consumer"
	"github.com/sneh-joshi/poplog/internal/metrics"
	"github.com/sneh-joshi/poplog/internal/node"
	"github.com/sneh-joshi/poplog/internal/oplog"
	"github.com/sneh-joshi/poplog/internal/queue"
	"github.com/sneh-joshi/poplog/internal/snapshot"
	"github.com/sneh-joshi/poplog/internal/stream"
	"github.com/sneh-joshi/poplog/internal/stream/local"
	"github.com/sneh-joshi/poplog/internal/topic"
	transphttp "github.com/sneh-joshi/poplog/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "poplog: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("poplog starting",
		"node_id", n.ID(),
		"incarnation", n.Incarnation(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
	)

	// ── 4. Open durable streams ──────────────────────────────────────────────
	ls, err := local.Open(filepath.Join(cfg.Node.DataDir, "streams"), local.Config{
		Fsync:              local.FsyncPolicy(cfg.Storage.Fsync),
		FsyncIntervalMs:    cfg.Storage.FsyncIntervalMs,
		FsyncBatchSize:     cfg.Storage.FsyncBatchSize,
		CompactionInterval: cfg.Storage.CompactionInterval,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("open streams: %w", err)
	}
	defer ls.Close()

	var store stream.Store = ls
	if cfg.Breaker.Enabled {
		store = stream.WithBreaker(ls, stream.BreakerConfig{
			Failures:    cfg.Breaker.Failures,
			OpenTimeout: cfg.Breaker.OpenTimeout,
		}, logger)
	}

	// ── 5. Initialise metrics ────────────────────────────────────────────────
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		shutdown, err := metrics.InitProvider(context.Background(), metrics.ProviderConfig{
			ServiceName: "poplog",
			Endpoint:    cfg.Metrics.Endpoint,
			Interval:    cfg.Metrics.Interval,
			Insecure:    cfg.Metrics.Insecure,
		}, n.ID().String())
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Warn("metrics shutdown error", "err", err)
			}
		}()
		if m, err = metrics.New(nil); err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
	}

	// ── 6. Initialise queue manager ──────────────────────────────────────────
	qm := queue.NewManager(store, queueConfig(cfg),
		queue.WithLogger(logger),
		queue.WithMetrics(m),
		queue.WithOrigin(n.Origin()),
	)

	// ── 7. Initialise topic registry ─────────────────────────────────────────
	topics, err := topic.New(cfg.Node.DataDir, nil)
	if err != nil {
		return fmt.Errorf("init topic registry: %w", err)
	}

	// ── 8. Initialise broker and recover queues ──────────────────────────────
	b := broker.New(qm, topics, broker.Config{
		NodeID:       n.ID().String(),
		PublishRate:  float64(cfg.Producers.MaxRate),
		PublishBurst: cfg.Producers.Burst,
	},
		broker.WithLogger(logger),
		broker.WithMetrics(m),
	)
	if err := b.Start(context.Background()); err != nil {
		_ = b.Close()
		return fmt.Errorf("start broker: %w", err)
	}

	// ── 9. Start webhook delivery ────────────────────────────────────────────
	cm := consumer.NewManager(b, consumer.Config{
		Timeout:     cfg.Webhooks.Timeout,
		Wait:        cfg.Webhooks.Wait,
		BatchSize:   cfg.Webhooks.BatchSize,
		Failures:    cfg.Webhooks.Failures,
		OpenTimeout: cfg.Webhooks.OpenTimeout,
	},
		consumer.WithLogger(logger),
		consumer.WithMetrics(m),
	)

	// ── 10. Start HTTP transport ─────────────────────────────────────────────
	srv := transphttp.New(b, cm, cfg, logger, m)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("poplog ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 11. Graceful shutdown on SIGINT / SIGTERM ────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		cm.Close()
		_ = b.Close()
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Long polls get the full fetch time to drain.
	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Store.MaxFetchTime+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	cm.Close()
	if err := b.Close(); err != nil {
		slog.Warn("broker close error", "err", err)
	}

	slog.Info("poplog stopped")
	return nil
}

// queueConfig maps the file configuration onto per-queue tunables.
func queueConfig(cfg *config.Config) queue.Config {
	oc := oplog.DefaultConfig()
	oc.MaxFetchCount = cfg.Store.MaxFetchCount
	oc.MaxFetchBytes = cfg.Store.MaxFetchBytes
	oc.MaxFetchTime = cfg.Store.MaxFetchTime
	oc.DefaultInvisibleDuration = cfg.Lease.DefaultInvisibleDuration
	oc.MaxDeliveryAttempts = cfg.Lease.MaxDeliveryAttempts
	oc.MarkerRetention = cfg.Lease.IdempotencyWindow
	oc.AppendTimeout = cfg.Lease.AppendTimeout
	oc.PollInterval = cfg.Lease.PollInterval

	return queue.Config{
		Oplog:           oc,
		Snapshot:        snapshot.Policy{EveryOps: cfg.Snapshot.EveryOps, Interval: cfg.Snapshot.Interval},
		MaxBodyBytes:    cfg.Storage.MaxMessageSizeKB << 10,
		ReclaimInterval: cfg.Storage.ReclaimInterval,
		Parallelism:     cfg.Lease.RecoveryParallelism,
	}
}
