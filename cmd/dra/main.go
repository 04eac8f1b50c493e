package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/probelab/deepresearch/pkg/checkpoint"
	"github.com/probelab/deepresearch/pkg/config"
	"github.com/probelab/deepresearch/pkg/domain"
	"github.com/probelab/deepresearch/pkg/events"
	"github.com/probelab/deepresearch/pkg/llm"
	"github.com/probelab/deepresearch/pkg/observability"
	"github.com/probelab/deepresearch/pkg/prompt"
	"github.com/probelab/deepresearch/pkg/scrape"
	"github.com/probelab/deepresearch/pkg/search"
	"github.com/probelab/deepresearch/pkg/server"
	"github.com/probelab/deepresearch/pkg/state"
	"github.com/probelab/deepresearch/pkg/workflow"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"

	telemetry *observability.Telemetry
	metrics   *observability.Metrics
)

func main() {
	var (
		configPath = flag.String("config", "configs/default.yaml", "Path to configuration file")
		version    = flag.Bool("version", false, "Show version information")
		apiMode    = flag.Bool("api", false, "Run in API server mode")
		query      = flag.String("query", "", "Research query (for CLI mode)")
		academic   = flag.Bool("academic", false, "Use the area-partitioned academic plan in CLI mode")
		resumeID   = flag.String("resume", "", "Resume a checkpointed session by id (CLI mode)")
	)
	flag.Parse()

	if *version {
		fmt.Printf("Deep Research Agent\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	cfg := config.LoadOrDefault(*configPath)

	ctx := context.Background()
	if err := initObservability(cfg); err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	defer shutdownObservability(ctx)

	if err := run(ctx, cfg, *apiMode, *query, *academic, *resumeID); err != nil {
		log.Fatalf("Application failed: %v", err)
	}
}

func initObservability(cfg *config.Config) error {
	telConfig := &observability.TelemetryConfig{
		ServiceName:    "deep-research-agent",
		ServiceVersion: Version,
		Environment:    getEnvironment(),
		OTLPEndpoint:   cfg.Observability.Tracing.Endpoint,
		PrometheusPort: cfg.Observability.Metrics.Port,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableTracing:  cfg.Observability.Tracing.Enabled,
		EnableMetrics:  cfg.Observability.Metrics.Enabled,
	}

	var err error
	telemetry, err = observability.NewTelemetry(telConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if cfg.Observability.Metrics.Enabled {
		metrics, err = observability.NewMetrics(telemetry.Meter())
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}
	return nil
}

func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}

func shutdownObservability(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down telemetry: %v", err)
		}
	}
}

func run(ctx context.Context, cfg *config.Config, apiMode bool, query string, academic bool, resumeID string) error {
	logger := observability.NewStructuredLogger("dra")

	modelClient, err := buildModelClient(cfg)
	if err != nil {
		return err
	}

	searchClient := search.NewCachedClient(
		search.NewSearxClient(cfg.Search.BaseURL, cfg.Search.APIKey,
			cfg.Search.ResultsPerQuery, config.Duration(cfg.Search.Timeout)),
		config.Duration(cfg.Search.CacheTTL),
		config.Duration(cfg.Search.CacheMaxInterval),
		metrics,
	)
	scraper := scrape.NewExtractorClient(cfg.Scrape.BaseURL, cfg.Scrape.MaxContentLen, metrics)

	store, err := buildCheckpointStore(cfg)
	if err != nil {
		return err
	}
	manager := checkpoint.NewManager(store, logger.WithComponent("checkpoint"), metrics)

	stages := workflow.NewStages(modelClient, searchClient, scraper, prompt.DefaultLibrary(), workflow.StageConfig{
		WorkModel:         cfg.LLM.WorkModel,
		FinalModel:        cfg.LLM.FinalModel,
		MaxTokens:         cfg.LLM.MaxTokens,
		ModelTimeout:      config.Duration(cfg.LLM.Timeout),
		FinalTimeout:      config.Duration(cfg.LLM.FinalTimeout),
		ResultsPerQuery:   cfg.Search.ResultsPerQuery,
		MinCandidateURLs:  cfg.Research.MinCandidateURLs,
		ScrapeTimeout:     config.Duration(cfg.Scrape.PerURLTimeout),
		ScrapeConcurrency: cfg.Scrape.MaxConcurrency,
	}, telemetry, logger.WithComponent("stages"))

	orch := workflow.NewOrchestrator(stages, manager, logger.WithComponent("orchestrator"), metrics, workflow.Options{
		MaxAreaConcurrency: cfg.Research.MaxAreaConcurrency,
		TopicTimeout:       config.Duration(cfg.Research.TopicTimeout),
		LearningsBudget:    cfg.Research.LearningsCharBudget,
	})

	if apiMode || cfg.API.Enabled {
		return runAPIServer(ctx, cfg, orch, manager, logger)
	}
	return runCLI(ctx, orch, manager, query, academic, resumeID)
}

func buildModelClient(cfg *config.Config) (domain.ModelClient, error) {
	client := llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, &llm.OpenAIOptions{
		Temperature: 0.7,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     config.Duration(cfg.LLM.FinalTimeout),
	})
	return llm.NewInstrumentedModelClient(client, telemetry, metrics)
}

func buildCheckpointStore(cfg *config.Config) (domain.CheckpointStore, error) {
	if cfg.Storage.Type == "memory" {
		return checkpoint.NewMemoryStore(), nil
	}
	return checkpoint.NewFileStore(cfg.Storage.Path)
}

func runAPIServer(ctx context.Context, cfg *config.Config, orch *workflow.Orchestrator, manager *checkpoint.Manager, logger *observability.StructuredLogger) error {
	registry := state.NewRegistry(2 * time.Hour)
	handler := server.NewResearchHandler(registry, orch, manager, logger.WithComponent("api"))
	srv := server.New(fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port), handler, logger.WithComponent("server"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		if err := srv.Shutdown(); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	return srv.Listen()
}

// runCLI performs one research run end to end, printing progress to
// stderr and the finished report to stdout.
func runCLI(ctx context.Context, orch *workflow.Orchestrator, manager *checkpoint.Manager, query string, academic bool, resumeID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, the session stays resumable from its checkpoint")
		cancel()
	}()

	var sctx *state.Context
	switch {
	case resumeID != "":
		cp, err := manager.Load(ctx, resumeID)
		if err != nil {
			return fmt.Errorf("cannot resume session %s: %w", resumeID, err)
		}
		sctx, err = orch.Resume(cp)
		if err != nil {
			return err
		}
		log.Printf("Resuming session %s: %d topics done, %d to go",
			resumeID, cp.CompletedCount(), cp.RemainingCount())

	case query != "":
		sctx = state.NewContext(uuid.NewString(), query)
		mode := domain.ModeFlat
		if academic {
			mode = domain.ModeArea
		}
		plan, _, err := orch.Plan(ctx, sctx, mode, "")
		if err != nil {
			return fmt.Errorf("planning failed: %w", err)
		}
		log.Printf("Plan ready: %d topics (%s mode), session %s",
			plan.TopicCount(), plan.Mode(), sctx.SessionID())

	default:
		return fmt.Errorf("no research query provided, use -query or -resume")
	}

	stream := events.NewStream(sctx.SessionID())
	go reportProgress(stream)

	started := time.Now()
	doc, err := orch.Research(ctx, sctx, stream)
	if err != nil {
		return fmt.Errorf("research failed: %w", err)
	}

	fmt.Println(doc.Markdown)
	log.Printf("Done: %d sources, %s", len(doc.Sources), time.Since(started).Round(time.Second))
	return nil
}

func reportProgress(stream *events.Stream) {
	for ev := range stream.Events() {
		switch ev.Type {
		case events.TypeStatus:
			log.Printf("[%d] %s", ev.Sequence, ev.Status.Message)
		case events.TypeTopicComplete:
			log.Printf("[%d] topic done (%d/%d): %s", ev.Sequence, ev.Topic.Completed, ev.Topic.Total, ev.Topic.Topic)
		case events.TypeTopicSkipped:
			log.Printf("[%d] topic skipped: %s (%s)", ev.Sequence, ev.Topic.Topic, ev.Topic.SkipReason)
		case events.TypeAreaStart:
			log.Printf("[%d] area started: %s", ev.Sequence, ev.Area.Area)
		case events.TypeAreaComplete:
			log.Printf("[%d] area complete: %s", ev.Sequence, ev.Area.Area)
		case events.TypeSynthesisStart:
			log.Printf("[%d] synthesizing (%s, %d dossiers)", ev.Sequence, ev.Synthesis.Kind, ev.Synthesis.Dossiers)
		case events.TypeError:
			log.Printf("[%d] failed: %s (%s)", ev.Sequence, ev.Error.Message, ev.Error.Kind)
		}
	}
}
