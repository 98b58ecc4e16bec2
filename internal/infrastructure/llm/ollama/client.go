package ollama

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/medassist/label-rag/internal/core/domain"
)

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
}

func New(baseURL, genModel, embedModel string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Embedder maps texts to unit-norm vectors of domain.EmbeddingDim via the
// Ollama embeddings API. The remote model load is expensive, so the first
// call runs a warm-up probe; the guard ensures only one goroutine warms up
// while leaving the embedder retryable after a failed attempt.
type Embedder struct {
	client *Client

	warmMu sync.Mutex
	warm   bool
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.warmup(ctx); err != nil {
		return nil, err
	}
	return e.embed(ctx, texts)
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return vectors[0], nil
}

// warmup forces the remote model load once per process and verifies the
// vector dimensionality before any real text is embedded.
func (e *Embedder) warmup(ctx context.Context) error {
	e.warmMu.Lock()
	defer e.warmMu.Unlock()
	if e.warm {
		return nil
	}

	vectors, err := e.embed(ctx, []string{"warmup"})
	if err != nil {
		return fmt.Errorf("embedding model warmup: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) != domain.EmbeddingDim {
		return fmt.Errorf("embedding model warmup: dimension %d, want %d", dimOf(vectors), domain.EmbeddingDim)
	}
	e.warm = true
	return nil
}

func (e *Embedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.postJSON(ctx, "/api/embed", request, &response, "embed"); err != nil {
		return nil, err
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed count mismatch: got %d, want %d", len(response.Embeddings), len(texts))
	}
	for _, v := range response.Embeddings {
		normalize(v)
	}
	return response.Embeddings, nil
}

// normalize scales a vector to unit L2 norm in place. The store ranks by
// L2 distance, which matches cosine ordering only on unit vectors.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

func dimOf(vectors [][]float32) int {
	if len(vectors) == 0 {
		return 0
	}
	return len(vectors[0])
}

// Generator is the local fallback generation backend.
type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

// GenerateJSON asks the model for a strict JSON object. The system
// instruction is prepended to the prompt because the generate endpoint
// takes a single prompt string.
func (g *Generator) GenerateJSON(ctx context.Context, system, user string) (string, error) {
	reqBody := map[string]any{
		"model":  g.client.genModel,
		"prompt": system + "\n\n" + user,
		"stream": false,
		"format": "json",
	}

	var response struct {
		Response string `json:"response"`
	}
	if err := g.client.postJSON(ctx, "/api/generate", reqBody, &response, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}
