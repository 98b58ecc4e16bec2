package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/medassist/label-rag/internal/config"
	"github.com/medassist/label-rag/internal/core/domain"
	"github.com/medassist/label-rag/internal/core/ports"
	"github.com/medassist/label-rag/internal/core/usecase"
	"github.com/medassist/label-rag/internal/infrastructure/cache"
	"github.com/medassist/label-rag/internal/infrastructure/chunking"
	"github.com/medassist/label-rag/internal/infrastructure/extractor/pdfdoc"
	"github.com/medassist/label-rag/internal/infrastructure/llm/gemini"
	"github.com/medassist/label-rag/internal/infrastructure/llm/ollama"
	"github.com/medassist/label-rag/internal/infrastructure/queue/nats"
	"github.com/medassist/label-rag/internal/infrastructure/repository/postgres"
	"github.com/medassist/label-rag/internal/infrastructure/resilience"
	"github.com/medassist/label-rag/internal/infrastructure/source/openfda"
	"github.com/medassist/label-rag/internal/infrastructure/storage/localfs"
)

type App struct {
	Config config.Config

	Queue     *nats.Queue
	Explainer ports.Explainer
	Retriever ports.Retriever
	Ingestor  ports.LabelIngestor

	closeFn func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewChunkRepository(db, cfg.IVFFlatLists)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: resilience.NewExecutor(resilience.DefaultConfig()),
	})
	if err != nil {
		return nil, fmt.Errorf("init job queue: %w", err)
	}

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, cfg.LLMTimeout)
	embedder := ollama.NewEmbedder(ollamaClient)
	generator := newGenerator(cfg, ollamaClient)

	chunker := chunking.New(chunking.Config{
		MaxTokens:        cfg.ChunkMaxTokens,
		MinTokens:        cfg.ChunkMinTokens,
		OverlapSentences: cfg.ChunkOverlapSentences,
		MaxChars:         cfg.ChunkMaxChars,
	})
	extractor := pdfdoc.NewExtractor(storage)
	source := resilientSource{
		inner: openfda.New(openfda.Options{
			BaseURL:           cfg.OpenFDABaseURL,
			APIKey:            cfg.OpenFDAAPIKey,
			RequestsPerMinute: cfg.OpenFDARequestsPerMinute,
		}),
		executor: resilience.NewExecutor(resilience.IngestConfig()),
	}
	responseCache := cache.NewTTL(cfg.CacheTTL)

	retrieveUC := usecase.NewRetrieveUseCase(embedder, repo)
	explainUC := usecase.NewExplainUseCase(retrieveUC, generator, explanationCache{responseCache}, cfg.RetrievalTopK)
	ingestUC := usecase.NewIngestLabelUseCase(source, queue, storage, extractor, chunker, embedder, repo, repo)

	return &App{
		Config: cfg,

		Queue:     queue,
		Explainer: explainUC,
		Retriever: retrieveUC,
		Ingestor:  ingestUC,

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

// newGenerator selects the generation backend once at startup and wraps
// it with the retry/breaker policy for its error surface.
func newGenerator(cfg config.Config, ollamaClient *ollama.Client) ports.Generator {
	executor := resilience.NewExecutor(resilience.GenerationConfig())

	if strings.EqualFold(cfg.LLMProvider, "ollama") {
		return resilientGenerator{
			inner:      ollama.NewGenerator(ollamaClient),
			executor:   executor,
			classifier: ollama.ClassifyError,
		}
	}
	return resilientGenerator{
		inner:      gemini.New(cfg.GeminiBaseURL, cfg.GeminiModel, cfg.GeminiAPIKey, cfg.LLMTimeout),
		executor:   executor,
		classifier: gemini.ClassifyError,
	}
}

type resilientGenerator struct {
	inner      ports.Generator
	executor   *resilience.Executor
	classifier resilience.ErrorClassifier
}

func (g resilientGenerator) GenerateJSON(ctx context.Context, system, user string) (string, error) {
	var out string
	err := g.executor.Execute(ctx, "llm.generate", func(callCtx context.Context) error {
		var callErr error
		out, callErr = g.inner.GenerateJSON(callCtx, system, user)
		return callErr
	}, g.classifier)
	return out, err
}

// resilientSource guards registry fetches with the ingestion policy so
// the worker rides out transient network failures without losing a job.
type resilientSource struct {
	inner    *openfda.Client
	executor *resilience.Executor
}

func (s resilientSource) FetchSections(ctx context.Context, query string, limit int) ([]domain.LabelSection, error) {
	var out []domain.LabelSection
	err := s.executor.Execute(ctx, "openfda.fetch", func(callCtx context.Context) error {
		var callErr error
		out, callErr = s.inner.FetchSections(callCtx, query, limit)
		return callErr
	}, openfda.ClassifyError)
	return out, err
}

// explanationCache adapts the generic TTL cache to the typed port.
type explanationCache struct {
	ttl *cache.TTL
}

func (c explanationCache) Get(key string) (*domain.Explanation, bool) {
	v, ok := c.ttl.Get(key)
	if !ok {
		return nil, false
	}
	explanation, ok := v.(*domain.Explanation)
	return explanation, ok
}

func (c explanationCache) Set(key string, value *domain.Explanation) {
	c.ttl.Set(key, value)
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
