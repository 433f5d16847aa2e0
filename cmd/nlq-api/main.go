package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/duckmesh/nlq/internal/api"
	"github.com/duckmesh/nlq/internal/audit"
	auditpostgres "github.com/duckmesh/nlq/internal/audit/postgres"
	"github.com/duckmesh/nlq/internal/auth"
	"github.com/duckmesh/nlq/internal/config"
	"github.com/duckmesh/nlq/internal/insight"
	"github.com/duckmesh/nlq/internal/llm"
	"github.com/duckmesh/nlq/internal/maintenance"
	"github.com/duckmesh/nlq/internal/nl2sql"
	"github.com/duckmesh/nlq/internal/observability"
	"github.com/duckmesh/nlq/internal/pipeline"
	"github.com/duckmesh/nlq/internal/prompt"
	"github.com/duckmesh/nlq/internal/query"
	querypostgres "github.com/duckmesh/nlq/internal/query/postgres"
	"github.com/duckmesh/nlq/internal/retrieval"
	"github.com/duckmesh/nlq/internal/retrieval/chromem"
	"github.com/duckmesh/nlq/internal/retrieval/pgvector"
	"github.com/duckmesh/nlq/internal/retrieval/rerank"
	"github.com/duckmesh/nlq/internal/storage"
	s3store "github.com/duckmesh/nlq/internal/storage/s3"
)

const maxSnapshotBytes = 256 << 20

func main() {
	cfg, err := config.LoadFromEnv("nlq-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, logger); err != nil {
		logger.Error("api server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *slog.Logger) error {
	policies, err := config.NewPolicyStore(cfg.Policy.File, logger)
	if err != nil {
		return fmt.Errorf("load query policy: %w", err)
	}
	if cfg.Policy.Watch {
		go func() {
			if err := policies.Watch(ctx); err != nil {
				logger.Error("policy watcher stopped", slog.Any("error", err))
			}
		}()
	}
	policySource := pipeline.NewConfigPolicySource(policies, cfg.Guard)

	targetDB, err := querypostgres.Open(ctx, querypostgres.DBConfig{
		DSN:             cfg.Target.DSN,
		MaxOpenConns:    cfg.Target.MaxOpenConns,
		MaxIdleConns:    cfg.Target.MaxIdleConns,
		ConnMaxIdleTime: cfg.Target.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Target.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open target db: %w", err)
	}
	defer func() { _ = targetDB.Close() }()

	limiter := llm.NewLimiter(cfg.AI.RequestsPerSecond, cfg.AI.Burst)
	model, err := newModel(cfg, limiter)
	if err != nil {
		return fmt.Errorf("create generation model: %w", err)
	}
	embedder, err := llm.NewEmbedder(llm.ProviderConfig{
		Provider: cfg.Embedding.Provider,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
		Model:    cfg.Embedding.Model,
		Timeout:  cfg.Retrieval.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}

	var objects storage.ObjectStore
	if cfg.VectorStore.Backend == config.VectorBackendChromem {
		objects, err = newObjectStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("initialize object store: %w", err)
		}
	}
	store, storeReady, closeStore, err := newVectorStore(ctx, cfg, objects, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reranker, err := newReranker(cfg)
	if err != nil {
		return fmt.Errorf("create reranker: %w", err)
	}
	retriever, err := retrieval.New(llm.NewLimitedEmbedder(embedder, limiter), store, reranker, retrieval.Config{
		TopK:                cfg.Retrieval.TopK,
		Candidates:          cfg.Retrieval.Candidates,
		IncludePreviousTurn: cfg.Retrieval.IncludePreviousTurn,
		Timeout:             cfg.Retrieval.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create retriever: %w", err)
	}

	generator, err := nl2sql.New(model)
	if err != nil {
		return fmt.Errorf("create generator: %w", err)
	}

	deps := pipeline.Dependencies{
		Retriever: retriever,
		Generator: generator,
		Planner:   querypostgres.NewPlanner(targetDB, cfg.Cost.PlanTimeout),
		Engine: querypostgres.NewExecutor(targetDB, querypostgres.ExecutorConfig{
			Role:    cfg.Target.Role,
			Timeout: cfg.Execution.Timeout,
			RowCap:  cfg.Execution.RowCap,
		}),
		Policy: policySource,
		Logger: logger,
	}
	if cfg.Insight.Enabled {
		narrator, err := insight.New(model, insight.Config{SampleRows: cfg.Insight.SampleRows, Timeout: cfg.Insight.Timeout})
		if err != nil {
			return fmt.Errorf("create insight synthesizer: %w", err)
		}
		deps.Narrator = narrator
	}

	housekeeping := &maintenance.Service{
		ObjectStore: objects,
		Config: maintenance.Config{
			AuditRetention:    cfg.Maintenance.AuditRetention,
			RetentionInterval: cfg.Maintenance.RetentionInterval,
			IntegrityInterval: cfg.Maintenance.IntegrityInterval,
			MaxSnapshotBytes:  maxSnapshotBytes,
		},
		Logger: logger,
	}
	if objects != nil {
		housekeeping.Config.IndexName = cfg.VectorStore.Collection
	}

	var auditLog audit.Reader
	var auditReady api.ReadinessCheck
	if cfg.Audit.Enabled {
		auditDB, err := querypostgres.Open(ctx, querypostgres.DBConfig{DSN: cfg.Audit.DSN, MaxOpenConns: cfg.Audit.MaxOpenConns})
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer func() { _ = auditDB.Close() }()
		repo := auditpostgres.NewRepository(auditDB)
		deps.Audit = repo
		auditLog = repo
		auditReady = api.CheckPing("audit database", repo.HealthCheck)
		housekeeping.Audit = repo
	}
	if housekeeping.Enabled() {
		go func() {
			if err := housekeeping.Run(ctx); err != nil {
				logger.Error("maintenance stopped", slog.Any("error", err))
			}
		}()
	}

	runner, err := pipeline.New(deps, pipeline.Config{
		Prompt:         prompt.Config{BudgetChars: cfg.Prompt.BudgetChars, HistoryTurns: cfg.Prompt.HistoryTurns},
		Gate:           query.CostGate{MaxTotalCost: cfg.Cost.MaxTotalCost, MaxPlanRows: cfg.Cost.MaxPlanRows},
		ExecTimeout:    cfg.Execution.Timeout,
		RowCap:         cfg.Execution.RowCap,
		RetryBackoff:   cfg.Execution.RetryBackoff,
		AuditTimeout:   cfg.Audit.Timeout,
		NarrateResults: cfg.Insight.Enabled,
	})
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	handlerDeps := api.Dependencies{
		Logger:   logger,
		Pipeline: runner,
		Policy:   policySource,
		AuditLog: auditLog,
		Readiness: api.CombineReadinessChecks(
			api.CheckPing("target database", targetDB.PingContext),
			storeReady,
			auditReady,
			api.CheckPolicy(policySource),
			api.CheckObjectStoreConfig(cfg),
		),
		DependencyTimeout: 2 * time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.APIKeys)
		if err != nil {
			return fmt.Errorf("parse api keys: %w", err)
		}
		handlerDeps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, handlerDeps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("vector_backend", cfg.VectorStore.Backend),
			slog.String("model", cfg.AI.Model),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// newModel builds the generation model for the configured provider behind
// the shared rate limiter.
func newModel(cfg config.Config, limiter *rate.Limiter) (llm.Model, error) {
	var model llm.Model
	switch cfg.AI.Provider {
	case config.ProviderOpenAI:
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			return nil, err
		}
		model = client
	case config.ProviderOllama:
		client, err := llm.NewOllamaModel(llm.ProviderConfig{
			Provider:    cfg.AI.Provider,
			BaseURL:     cfg.AI.BaseURL,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			return nil, err
		}
		model = client
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.AI.Provider)
	}
	return llm.NewLimited(model, limiter), nil
}

func newObjectStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:        cfg.ObjectStore.Endpoint,
		Region:          cfg.ObjectStore.Region,
		Bucket:          cfg.ObjectStore.Bucket,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		UseSSL:          cfg.ObjectStore.UseSSL,
		Prefix:          cfg.ObjectStore.Prefix,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newVectorStore(ctx context.Context, cfg config.Config, objects storage.ObjectStore, logger *slog.Logger) (retrieval.VectorStore, api.ReadinessCheck, func(), error) {
	switch cfg.VectorStore.Backend {
	case config.VectorBackendPgvector:
		store, err := pgvector.Open(pgvector.Config{
			DSN:   cfg.VectorStore.DSN,
			Table: cfg.VectorStore.Table,
			Debug: cfg.Observability.LogLevel <= slog.LevelDebug,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open pgvector store: %w", err)
		}
		return store, api.CheckPing("vector store", store.HealthCheck), func() { _ = store.Close() }, nil
	default:
		key, err := snapshotKey(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := chromem.LoadSnapshot(ctx, objects, key, cfg.VectorStore.Collection, maxSnapshotBytes)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load schema index: %w", err)
		}
		logger.Info("schema index loaded", slog.String("key", key), slog.Int("chunks", store.Count()))
		return store, nil, func() {}, nil
	}
}

func snapshotKey(cfg config.Config) (string, error) {
	if cfg.VectorStore.SnapshotKey != "" {
		return cfg.VectorStore.SnapshotKey, nil
	}
	return storage.LatestSnapshotKey(cfg.VectorStore.Collection)
}

func newReranker(cfg config.Config) (retrieval.Reranker, error) {
	if cfg.Rerank.Provider == config.RerankProviderNone {
		return rerank.Similarity{}, nil
	}
	return rerank.NewClient(rerank.Config{
		BaseURL: cfg.Rerank.BaseURL,
		APIKey:  cfg.Rerank.APIKey,
		Model:   cfg.Rerank.Model,
		Timeout: cfg.Rerank.Timeout,
	})
}
