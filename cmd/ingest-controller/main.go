// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/flyingrobots/go-redis-work-queue/internal/backlog"
	"github.com/flyingrobots/go-redis-work-queue/internal/batcher"
	"github.com/flyingrobots/go-redis-work-queue/internal/claim"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/configresolver"
	"github.com/flyingrobots/go-redis-work-queue/internal/coordinator"
	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/obshttp"
	"github.com/flyingrobots/go-redis-work-queue/internal/obslog"
	"github.com/flyingrobots/go-redis-work-queue/internal/obsmetrics"
	"github.com/flyingrobots/go-redis-work-queue/internal/obstrace"
	"github.com/flyingrobots/go-redis-work-queue/internal/pathparser"
	"github.com/flyingrobots/go-redis-work-queue/internal/warehouse"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var functionName string
	var local bool
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "serve", "Role to run: serve|notify")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&functionName, "function-name", "ingest-controller", "Label recorded on warehouse jobs (spec section 4.3 default load config)")
	fs.BoolVar(&local, "local", false, "Run against in-memory object-store and warehouse fakes instead of GCS/BigQuery")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obslog.New(obslog.Options{Level: cfg.Observability.LogLevel, JSON: cfg.Observability.LogJSON})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obstrace.MaybeInit(obstrace.Options{
		Enabled:          cfg.Observability.Tracing.Enabled,
		Endpoint:         cfg.Observability.Tracing.Endpoint,
		Environment:      cfg.Observability.Tracing.Environment,
		SamplingStrategy: cfg.Observability.Tracing.SamplingStrategy,
		SamplingRate:     cfg.Observability.Tracing.SamplingRate,
	})
	if err != nil {
		logger.Warn("tracing init failed", zap.Error(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord, err := buildCoordinator(ctx, cfg, functionName, local, logger)
	if err != nil {
		logger.Fatal("failed to wire dependency graph", zap.Error(err))
	}

	switch role {
	case "notify":
		runNotify(ctx, coord, logger)
	case "serve":
		runServe(ctx, cancel, cfg, coord, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q: expected serve|notify\n", role)
		os.Exit(1)
	}
}

// runNotify reads one raw notification envelope from stdin and
// processes it synchronously, the one-shot counterpart to the HTTP
// adapter's /notify route — useful for replaying a single envelope
// captured from a dead-letter log or a manual backfill trigger.
func runNotify(ctx context.Context, coord *coordinator.Coordinator, logger *zap.Logger) {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		logger.Fatal("failed to read notification from stdin", zap.Error(err))
	}
	if err := coord.Handle(ctx, raw, time.Now()); err != nil {
		logger.Fatal("notification handling failed", zap.Error(err))
	}
}

// runServe starts the metrics and notification HTTP servers and blocks
// until a shutdown signal arrives, the long-lived mode a real
// serverless host front-end would invoke this binary under.
func runServe(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, coord *coordinator.Coordinator, logger *zap.Logger) {
	metricsSrv := obsmetrics.StartServer(cfg.Observability.MetricsPort)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	httpSrv := obshttp.New(coord, logger)
	go func() {
		logger.Info("notification adapter listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.ListenAndServe(cfg.HTTP.Addr); err != nil {
			logger.Error("http server stopped", zap.Error(err))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}

// buildCoordinator wires the full dependency graph bottom-up: backends,
// then the section 4 components in dependency order, then the
// coordinator that dispatches between them.
func buildCoordinator(ctx context.Context, cfg *config.Config, functionName string, local bool, logger *zap.Logger) (*coordinator.Coordinator, error) {
	gw, wh, err := buildBackends(ctx, cfg, local, logger)
	if err != nil {
		return nil, err
	}

	parser, err := pathparser.New(cfg.Destination.Regex)
	if err != nil {
		return nil, fmt.Errorf("compile destination pattern: %w", err)
	}
	resolver := configresolver.New(gw, functionName)
	b := batcher.New(gw, cfg.Batching.MaxBatchBytes, cfg.Batching.MaxSourceURIs)
	planner := warehouse.New(wh, warehouse.Options{
		JobPrefix:        cfg.Warehouse.JobPrefix,
		WaitForJobSecs:   cfg.Warehouse.WaitForJobSeconds,
		PollIntervalSecs: cfg.Warehouse.JobPollIntervalSecs,
	}, logger)
	claims := claim.New(gw)
	lock := backlog.NewLock(gw, cfg.Warehouse.JobPrefix)

	backlogOpts := backlog.Options{
		PollingTimeoutSecs:    cfg.Backlog.PollingTimeoutSecs,
		RestartBufferSecs:     cfg.Backlog.RestartBufferSeconds,
		FunctionTimeoutSecs:   cfg.Backlog.FunctionTimeoutSec,
		EnsureSubscriberSecs:  cfg.Backlog.EnsureSubscriberSecs,
		StartBackfillFilename: cfg.Triggers.StartBackfillFilename,
	}
	publisher := backlog.NewPublisher(gw, lock, backlogOpts, logger)
	subscriber := backlog.NewSubscriber(gw, lock, claims, b, resolver, planner, parser, backlogOpts, logger)

	return coordinator.New(gw, parser, resolver, b, planner, claims, lock, publisher, subscriber, coordinator.Options{
		SuccessFilename:       cfg.Triggers.SuccessFilename,
		StartBackfillFilename: cfg.Triggers.StartBackfillFilename,
		OrderAllJobs:          cfg.Backlog.OrderAllJobs,
	}, logger), nil
}

// buildBackends wires the object-store Gateway and warehouse Client,
// against the real GCS/BigQuery SDKs unless -local selects the
// in-memory fakes (spec section 1's "thin capability surface" keeps
// these the only two places the real SDKs get constructed).
func buildBackends(ctx context.Context, cfg *config.Config, local bool, logger *zap.Logger) (objectstore.Gateway, warehouse.Client, error) {
	if local {
		logger.Info("running against in-memory object-store and warehouse fakes")
		return objectstore.NewMemory(), warehouse.NewFakeClient(), nil
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("init gcs client: %w", err)
	}
	bqClient, err := bigquery.NewClient(ctx, cfg.Warehouse.Project)
	if err != nil {
		return nil, nil, fmt.Errorf("init bigquery client: %w", err)
	}
	return objectstore.NewGCS(storageClient), warehouse.NewBigQuery(bqClient, cfg.Warehouse.Project), nil
}
