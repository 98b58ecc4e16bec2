package ports

import (
	"context"
	"io"

	"github.com/medassist/label-rag/internal/core/domain"
)

// Embedder maps texts to fixed-dimension normalized vectors. The same
// embedder instance must serve both ingestion and query paths.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Chunker splits label sections into overlapping retrieval-sized rows.
type Chunker interface {
	Chunk(rows []domain.LabelSection) []domain.LabelSection
}

// ChunkStore persists chunks and performs nearest-neighbor search.
// SearchNearest reports degraded=true when results came from the
// unranked fallback path instead of the vector index.
type ChunkStore interface {
	InsertChunks(ctx context.Context, rows []domain.Chunk) error
	SearchNearest(ctx context.Context, queryVector []float32, k int) ([]domain.Chunk, bool, error)
}

// IndexMaintainer refreshes planner statistics after bulk inserts.
type IndexMaintainer interface {
	Analyze(ctx context.Context) error
}

// Generator produces model output for a system instruction plus a user
// prompt. Implementations must request structured JSON output where the
// backend supports it.
type Generator interface {
	GenerateJSON(ctx context.Context, system, user string) (string, error)
}

// LabelSource fetches raw label sections from an external registry.
type LabelSource interface {
	FetchSections(ctx context.Context, query string, limit int) ([]domain.LabelSection, error)
}

// JobQueue carries ingestion jobs from the api process to the worker.
type JobQueue interface {
	PublishIngestJob(ctx context.Context, job domain.IngestJob) error
	SubscribeIngestJobs(ctx context.Context, handler func(context.Context, domain.IngestJob) error) error
}

// ObjectStorage holds uploaded label documents until the worker picks
// them up.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// TextExtractor pulls plain text out of an uploaded label document.
type TextExtractor interface {
	Extract(ctx context.Context, storageKey, filename string) (string, error)
}

// ResponseCache is a short-TTL cache for assembled explanations.
type ResponseCache interface {
	Get(key string) (*domain.Explanation, bool)
	Set(key string, value *domain.Explanation)
}

// Retriever embeds a query and returns numbered citations. The boolean
// mirrors ChunkStore's degraded flag.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]domain.Citation, bool, error)
}

// Explainer assembles a grounded explanation for one drug.
type Explainer interface {
	Explain(ctx context.Context, drugID, question string) (*domain.Explanation, error)
}

// LabelIngestor accepts ingestion requests and runs queued jobs.
type LabelIngestor interface {
	QueueOpenFDAIngest(ctx context.Context, query string, limit int) (*domain.IngestJob, error)
	QueueUpload(ctx context.Context, filename, rxCUI, section, sourceURL string, body io.Reader) (*domain.IngestJob, error)
	RunJob(ctx context.Context, job domain.IngestJob) (*domain.IngestReport, error)
}
