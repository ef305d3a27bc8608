package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/evidence-router/internal/config"
	"github.com/kirillkom/evidence-router/internal/core/domain"
	"github.com/kirillkom/evidence-router/internal/core/ports"
	"github.com/kirillkom/evidence-router/internal/core/usecase"
	"github.com/kirillkom/evidence-router/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/evidence-router/internal/infrastructure/queue/nats"
	"github.com/kirillkom/evidence-router/internal/infrastructure/registry"
	"github.com/kirillkom/evidence-router/internal/infrastructure/registry/github"
	"github.com/kirillkom/evidence-router/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/evidence-router/internal/infrastructure/resilience"
	"github.com/kirillkom/evidence-router/internal/infrastructure/vector/pgvector"
	"github.com/kirillkom/evidence-router/internal/infrastructure/vector/qdrant"
)

type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Sources []domain.Source

	Resilience *resilience.Executor
	Retrieval  *usecase.RetrievalUseCase

	// Queue and Process are set by ConnectQueue.
	Queue   *nats.Queue
	Process *usecase.ProcessQueryUseCase

	closers []func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}

	sources, err := cfg.SourceCatalog()
	if err != nil {
		return nil, fmt.Errorf("load source catalog: %w", err)
	}
	app.Sources = sources

	resCfg := resilience.DefaultConfig()
	resCfg.BreakerEnabled = cfg.ResilienceBreakerEnabled
	resCfg.RetryMaxAttempts = cfg.ResilienceRetryMaxAttempt
	app.Resilience = resilience.NewExecutor(resCfg, logger)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.closers = append(app.closers, func() { _ = db.Close() })

	records := postgres.NewRecordRepository(db)
	if err := records.EnsureSchema(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("ensure records schema: %w", err)
	}

	metadata, err := buildRegistry(ctx, cfg, records, app.Resilience, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel).WithResilience(app.Resilience)
	classifier := ollama.NewIntentClassifier(ollamaClient)
	embedder := ollama.NewEmbedder(ollamaClient)

	qdrantClient := qdrant.New(cfg.QdrantURL, qdrant.Options{
		APIKey:             cfg.QdrantAPIKey,
		DenseVectorName:    cfg.QdrantDenseVector,
		SparseVectorName:   cfg.QdrantSparseVector,
		ResilienceExecutor: app.Resilience,
	})
	vectors, err := buildVectorSearcher(ctx, cfg, db, qdrantClient)
	if err != nil {
		app.Close()
		return nil, err
	}

	names := config.SourceNames(sources)
	router := usecase.NewIntentRouter(classifier, usecase.RouterConfig{
		Sources:         names,
		ClassifyTimeout: time.Duration(cfg.RouterClassifyTimeoutMS) * time.Millisecond,
		DefaultRepo:     cfg.GitHubDefaultRepo,
	}, logger)

	planner := usecase.NewPlanner(usecase.PlannerConfig{
		Sources:            names,
		HighConfidence:     cfg.RouterHighConfidence,
		GitHubFallbackTopK: cfg.PlanGitHubFallbackTopK,
		DocsTopKHigh:       cfg.PlanDocsTopKHigh,
		DocsTopKLow:        cfg.PlanDocsTopKLow,
		SynthesisTopK:      cfg.PlanSynthesisTopK,
		ConservativeTopK:   cfg.PlanConservativeTopK,
		Deadline:           time.Duration(cfg.QueryDeadlineMS) * time.Millisecond,
	})

	executor := usecase.NewExecutor(embedder, vectors, qdrantClient, metadata, usecase.ExecutorConfig{
		Sources:         sources,
		SourceTimeout:   time.Duration(cfg.SourceTimeoutMS) * time.Millisecond,
		MaxConcurrency:  cfg.ExecutorMaxConcurrency,
		DefaultDeadline: time.Duration(cfg.QueryDeadlineMS) * time.Millisecond,
	}, logger)

	aggregator := usecase.NewAggregator(usecase.AggregatorConfig{
		WeightSemantic:      cfg.ScoreWeightSemantic,
		WeightLexical:       cfg.ScoreWeightLexical,
		WeightAuthoritative: cfg.ScoreWeightAuthoritative,
		FreshnessEpsilon:    cfg.FreshnessEpsilon,
	}, logger)

	app.Retrieval = usecase.NewRetrievalUseCase(router, planner, executor, aggregator, logger)

	logger.Info("bootstrap_completed",
		"sources", names,
		"vector_backend", cfg.VectorBackend,
		"github_registry", cfg.GitHubEnabled,
	)
	return app, nil
}

// ConnectQueue attaches the NATS queue and the asynchronous query processor.
func (a *App) ConnectQueue() error {
	queue, err := nats.New(a.Config.NATSURL, a.Config.NATSRequestSubject, a.Config.NATSResultSubject, nats.Options{
		QueueGroup:         a.Config.NATSQueueGroup,
		HandlerTimeout:     time.Duration(a.Config.QueryDeadlineMS)*time.Millisecond + 5*time.Second,
		ResilienceExecutor: a.Resilience,
		Logger:             a.Logger,
	})
	if err != nil {
		return fmt.Errorf("init message queue: %w", err)
	}
	a.closers = append(a.closers, queue.Close)
	a.Queue = queue
	a.Process = usecase.NewProcessQueryUseCase(a.Retrieval, queue)
	return nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func buildRegistry(
	ctx context.Context,
	cfg config.Config,
	records *postgres.RecordRepository,
	exec *resilience.Executor,
	logger *slog.Logger,
) (ports.MetadataRegistry, error) {
	entries := make([]registry.Entry, 0, 2)
	if cfg.GitHubEnabled {
		live, err := github.New(ctx, github.Options{
			Token:              cfg.GitHubToken,
			BaseURL:            cfg.GitHubBaseURL,
			RequestsPerSecond:  cfg.GitHubRequestsPerSecond,
			ResilienceExecutor: exec,
		})
		if err != nil {
			return nil, fmt.Errorf("init github registry: %w", err)
		}
		entries = append(entries, registry.Entry{Name: "github", Registry: live})
	}
	entries = append(entries, registry.Entry{Name: "postgres", Registry: records})
	return registry.NewChain(logger, entries...).WithRecorder(records), nil
}

func buildVectorSearcher(ctx context.Context, cfg config.Config, db *sql.DB, qdrantClient *qdrant.Client) (ports.VectorSearcher, error) {
	switch cfg.VectorBackend {
	case config.VectorBackendQdrant, "":
		return qdrantClient, nil
	case config.VectorBackendPGVector:
		store, err := pgvector.New(db, cfg.PGVectorTable)
		if err != nil {
			return nil, fmt.Errorf("init pgvector store: %w", err)
		}
		if err := store.EnsureSchema(ctx, cfg.PGVectorDimension); err != nil {
			return nil, fmt.Errorf("ensure pgvector schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}
