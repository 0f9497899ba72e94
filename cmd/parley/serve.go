package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/dispatch"
	"github.com/parleyhq/parley/internal/embeddings"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/generation"
	"github.com/parleyhq/parley/internal/indexing"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/server"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Parley runtime",
		Long: `Start the runtime: load configuration, open the store backend, wire
the processing pipeline and dispatcher, and serve the HTTP API.

Graceful shutdown is handled on SIGINT/SIGTERM: the API stops accepting
requests, in-flight processing tasks drain, and traces flush.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (defaults apply when omitted)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	logger.Info("starting parley",
		"version", version,
		"commit", commit,
		"storage", cfg.Storage.Backend)

	metrics := observability.NewMetrics(nil)
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TraceConfig{
		Enabled:      cfg.Tracing.Enabled,
		Endpoint:     cfg.Tracing.Endpoint,
		ServiceName:  cfg.Tracing.ServiceName,
		SamplingRate: cfg.Tracing.SamplingRate,
		Insecure:     cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}

	db, err := openDatabase(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing storage failed", "error", err)
		}
	}()

	agents := store.NewAgentStore(db)
	sessions := store.NewSessionStore(db)
	guidelines := store.NewGuidelineStore(db)
	connections := store.NewConnectionStore(db)
	associations := store.NewAssociationStore(db)
	variables := store.NewVariableStore(db)
	glossary := store.NewGlossaryStore(db, buildEmbedder(cfg))

	registry := tools.NewServiceRegistry(store.NewServiceStore(db), nil, nil)
	registry.SetMetrics(metrics)

	generator, err := buildGenerator(cfg, logger)
	if err != nil {
		return err
	}
	generator = &generation.InstrumentedGenerator{Inner: generator, Metrics: metrics}

	pipeline := engine.NewPipeline(
		engine.NewStateLoader(sessions, guidelines, associations, variables, glossary, registry, logger),
		engine.NewGuidelineProposer(generator, connections, cfg.Engine.ProposerBatchSize, cfg.Engine.ActivationThreshold, logger),
		engine.NewToolCaller(generator, registry, logger),
		engine.NewMessageProducer(generator, cfg.Engine.RevisionBudget, logger),
		logger,
	)
	pipeline.SetMetrics(metrics)

	dispatcher := dispatch.NewDispatcher(agents, sessions, pipeline, cfg.Engine.GCInterval, logger)
	dispatcher.SetMetrics(metrics)

	indexer := indexing.NewGuidelineIndexer(agents, guidelines, connections, generator,
		cfg.Storage.IndexPath, 0, logger)

	api := server.New(server.Deps{
		Agents:       agents,
		Sessions:     sessions,
		Guidelines:   guidelines,
		Connections:  connections,
		Associations: associations,
		Variables:    variables,
		Glossary:     glossary,
		Registry:     registry,
		Dispatcher:   dispatcher,
		Indexer:      indexer,
		Metrics:      metrics,
	}, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	if err := api.Start(addr); err != nil {
		return err
	}

	// Bring the connection graph up to date before taking traffic.
	if due, err := indexer.ShouldIndex(ctx); err != nil {
		logger.Warn("guideline index check failed", "error", err)
	} else if due {
		if err := indexer.Index(ctx); err != nil {
			logger.Warn("guideline indexing failed", "error", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", ctx.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	api.Stop(shutdownCtx)
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatcher drain incomplete", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("trace flush failed", "error", err)
	}
	return nil
}

func openDatabase(cfg config.StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryDatabase(), nil
	case "jsonfile":
		return storage.NewJSONFileDatabase(cfg.Path)
	case "sqlite":
		return storage.NewSQLiteDatabase(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// buildEmbedder uses OpenAI embeddings when a key is configured and a
// deterministic local embedder otherwise.
func buildEmbedder(cfg *config.Config) embeddings.Provider {
	if provider, ok := cfg.LLM.Providers["openai"]; ok && provider.APIKey != "" {
		return embeddings.NewOpenAIProvider(provider.APIKey, "")
	}
	return embeddings.NewHashedProvider()
}

// buildGenerator assembles the configured provider chain.
func buildGenerator(cfg *config.Config, logger *slog.Logger) (generation.Generator, error) {
	names := cfg.LLM.FallbackChain
	if len(names) == 0 {
		names = []string{cfg.LLM.DefaultProvider}
	}

	var chain []generation.Generator
	for _, name := range names {
		provider := cfg.LLM.Providers[name]
		switch name {
		case "anthropic":
			chain = append(chain, generation.NewAnthropicGenerator(generation.AnthropicConfig{
				APIKey:  provider.APIKey,
				BaseURL: provider.BaseURL,
				Model:   provider.DefaultModel,
			}))
		case "openai":
			chain = append(chain, generation.NewOpenAIGenerator(generation.OpenAIConfig{
				APIKey:  provider.APIKey,
				BaseURL: provider.BaseURL,
				Model:   provider.DefaultModel,
			}))
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return generation.NewFallbackGenerator(logger, chain...), nil
}
