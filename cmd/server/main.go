// Package main provides the quill server command
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rizome-dev/quill/pkg/agents"
	"github.com/rizome-dev/quill/pkg/config"
	"github.com/rizome-dev/quill/pkg/events"
	"github.com/rizome-dev/quill/pkg/fanout"
	"github.com/rizome-dev/quill/pkg/lifecycle"
	"github.com/rizome-dev/quill/pkg/logging"
	"github.com/rizome-dev/quill/pkg/memory"
	"github.com/rizome-dev/quill/pkg/metrics"
	"github.com/rizome-dev/quill/pkg/orchestrator"
	"github.com/rizome-dev/quill/pkg/provider"
	"github.com/rizome-dev/quill/pkg/provider/anthropic"
	"github.com/rizome-dev/quill/pkg/provider/crossref"
	"github.com/rizome-dev/quill/pkg/provider/openai"
	"github.com/rizome-dev/quill/pkg/provider/openalex"
	"github.com/rizome-dev/quill/pkg/registry"
	"github.com/rizome-dev/quill/pkg/sweeper"
	"github.com/rizome-dev/quill/pkg/state"
	"github.com/rizome-dev/quill/pkg/workerpool"
)

var (
	configPath   = flag.String("config", "", "Configuration file (yaml or json)")
	storeType    = flag.String("store", "", "State backend type (memory, badger)")
	storePath    = flag.String("store-path", "", "Data directory for the badger store")
	workers      = flag.Int("workers", 0, "Worker pool size")
	queueSize    = flag.Int("queue-size", 0, "Worker pool backlog capacity")
	providerName = flag.String("provider", "anthropic", "Completion provider (anthropic, openai)")
	helpFlag     = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *helpFlag {
		showHelp()
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "quill: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cfg)

	if err := logging.InitializeGlobalLogger(&cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := logging.GetLogger()
	logger.Info("starting quill (store=%s, workers=%d)", cfg.Store.Type, cfg.Pool.Workers)

	ctx := context.Background()

	shutdownTracing, err := metrics.InitTracing(ctx, cfg.Metrics.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	store, err := state.NewStore(state.Config{
		Type:     cfg.Store.Type,
		Path:     cfg.Store.Path,
		EventTTL: cfg.Store.EventTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close(ctx)

	notifier := events.NewNotifier(logger)
	notifier.Subscribe("event-log", events.NewStoreRecorder(store, logger))

	collector, err := metrics.NewCollector(&cfg.Metrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	notifier.Subscribe("metrics", collector)

	manager := lifecycle.NewManager(store, notifier, logger)
	mem := memory.NewStore(store)

	pool := workerpool.New(cfg.Pool.Workers, cfg.Pool.QueueSize)
	if err := collector.RegisterPool(pool); err != nil {
		return fmt.Errorf("failed to register pool gauges: %w", err)
	}
	coordinator := fanout.NewCoordinator(pool, logger)

	completion, err := buildCompletion(cfg)
	if err != nil {
		return err
	}

	var primaryMeta, secondaryMeta provider.Metadata = crossref.New(), openalex.New()
	if cfg.Providers.RateLimit > 0 {
		primaryMeta = provider.NewRateLimitedMetadata(primaryMeta, cfg.Providers.RateLimit, cfg.Providers.RateBurst)
		secondaryMeta = provider.NewRateLimitedMetadata(secondaryMeta, cfg.Providers.RateLimit, cfg.Providers.RateBurst)
	}

	reg := registry.New()
	if err := agents.RegisterAll(reg, agents.Deps{
		Completion:        completion,
		Coordinator:       coordinator,
		PrimaryMetadata:   primaryMeta,
		SecondaryMetadata: secondaryMeta,
		Memory:            mem,
		Lifecycle:         manager,
		Logger:            logger,
	}); err != nil {
		return fmt.Errorf("failed to register agents: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Lifecycle: manager,
		Registry:  reg,
		Pool:      pool,
		Notifier:  notifier,
		Metrics:   collector,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	sweep, err := sweeper.New(cfg.Sweeper, manager, mem, logger)
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}
	if err := sweep.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	if err := collector.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info("quill ready, agents: %v", reg.Kinds())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info("received %s, shutting down", received)

	if err := sweep.Stop(); err != nil {
		logger.WithError(err).Warn("sweeper shutdown failed")
	}

	orch.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := collector.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics shutdown failed")
	}

	logger.Info("shutdown complete")
	return nil
}

// applyFlags overrides config fields set explicitly on the command line
func applyFlags(cfg *config.Config) {
	if *storeType != "" {
		cfg.Store.Type = *storeType
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *workers > 0 {
		cfg.Pool.Workers = *workers
	}
	if *queueSize > 0 {
		cfg.Pool.QueueSize = *queueSize
	}
}

func buildCompletion(cfg *config.Config) (provider.Completion, error) {
	var completion provider.Completion
	switch *providerName {
	case "anthropic":
		completion = anthropic.New(cfg.Providers.Anthropic)
	case "openai":
		completion = openai.New(cfg.Providers.OpenAI)
	default:
		return nil, fmt.Errorf("unknown provider: %s", *providerName)
	}

	if cfg.Providers.RateLimit > 0 {
		completion = provider.NewRateLimitedCompletion(completion, cfg.Providers.RateLimit, cfg.Providers.RateBurst)
	}
	return completion, nil
}

func showHelp() {
	fmt.Printf("quill - document agent orchestration server\n\n")
	fmt.Printf("Usage:\n  %s [flags]\n\nFlags:\n", os.Args[0])
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  # In-memory store with defaults\n  %s\n\n", os.Args[0])
	fmt.Printf("  # Durable badger store\n  %s -store badger -store-path /var/lib/quill\n\n", os.Args[0])
	fmt.Printf("  # OpenAI completions with a bigger pool\n  %s -provider openai -workers 32\n", os.Args[0])
}
