package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/medassist/label-rag/internal/core/domain"
	"github.com/medassist/label-rag/internal/core/ports"
)

// snippetLimit bounds citation snippets so prompts stay small and
// responses stay readable.
const snippetLimit = 450

type RetrieveUseCase struct {
	embedder ports.Embedder
	store    ports.ChunkStore
}

func NewRetrieveUseCase(embedder ports.Embedder, store ports.ChunkStore) *RetrieveUseCase {
	return &RetrieveUseCase{embedder: embedder, store: store}
}

// Retrieve embeds the query and returns the k nearest chunks as numbered
// citations. Indices are assigned per call in result order, starting at 1.
// The boolean reports whether the store served the unranked fallback.
func (uc *RetrieveUseCase) Retrieve(ctx context.Context, query string, k int) ([]domain.Citation, bool, error) {
	if k <= 0 {
		return nil, false, nil
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, false, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("empty query"))
	}

	vector, err := uc.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, false, fmt.Errorf("embed query: %w", err)
	}

	chunks, degraded, err := uc.store.SearchNearest(ctx, vector, k)
	if err != nil {
		return nil, false, fmt.Errorf("search chunks: %w", err)
	}

	citations := make([]domain.Citation, 0, len(chunks))
	for i, chunk := range chunks {
		citations = append(citations, domain.Citation{
			Index:     i + 1,
			RxCUI:     chunk.RxCUI,
			Section:   chunk.Section,
			SourceURL: chunk.SourceURL,
			Snippet:   truncateRunes(chunk.Snippet, snippetLimit),
		})
	}
	return citations, degraded, nil
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
