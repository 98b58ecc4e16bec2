package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medassist/label-rag/internal/core/domain"
	"github.com/medassist/label-rag/internal/core/ports"
)

const (
	defaultOpenFDALimit = 50
	uploadedSection     = "uploaded_label"
)

// IngestLabelUseCase queues ingestion requests on the api side and runs
// them on the worker side. Both halves live in one type so the two
// processes stay in lockstep on job semantics.
type IngestLabelUseCase struct {
	source     ports.LabelSource
	queue      ports.JobQueue
	storage    ports.ObjectStorage
	extractor  ports.TextExtractor
	chunker    ports.Chunker
	embedder   ports.Embedder
	store      ports.ChunkStore
	maintainer ports.IndexMaintainer
}

func NewIngestLabelUseCase(
	source ports.LabelSource,
	queue ports.JobQueue,
	storage ports.ObjectStorage,
	extractor ports.TextExtractor,
	chunker ports.Chunker,
	embedder ports.Embedder,
	store ports.ChunkStore,
	maintainer ports.IndexMaintainer,
) *IngestLabelUseCase {
	return &IngestLabelUseCase{
		source:     source,
		queue:      queue,
		storage:    storage,
		extractor:  extractor,
		chunker:    chunker,
		embedder:   embedder,
		store:      store,
		maintainer: maintainer,
	}
}

func (uc *IngestLabelUseCase) QueueOpenFDAIngest(ctx context.Context, query string, limit int) (*domain.IngestJob, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "queue openfda ingest", errors.New("query is required"))
	}
	if limit <= 0 {
		limit = defaultOpenFDALimit
	}

	job := domain.IngestJob{
		ID:        uuid.NewString(),
		Kind:      domain.IngestJobOpenFDA,
		Query:     query,
		Limit:     limit,
		CreatedAt: time.Now().UTC(),
	}
	if err := uc.queue.PublishIngestJob(ctx, job); err != nil {
		return nil, fmt.Errorf("publish ingest job: %w", err)
	}
	return &job, nil
}

func (uc *IngestLabelUseCase) QueueUpload(ctx context.Context, filename, rxCUI, section, sourceURL string, body io.Reader) (*domain.IngestJob, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." {
		return nil, domain.WrapError(domain.ErrInvalidInput, "queue upload", errors.New("filename is required"))
	}
	if body == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "queue upload", errors.New("empty upload body"))
	}

	jobID := uuid.NewString()
	storageKey := jobID + strings.ToLower(filepath.Ext(filename))
	if err := uc.storage.Save(ctx, storageKey, body); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	job := domain.IngestJob{
		ID:         jobID,
		Kind:       domain.IngestJobUpload,
		StorageKey: storageKey,
		Filename:   filename,
		RxCUI:      strings.TrimSpace(rxCUI),
		Section:    strings.TrimSpace(section),
		SourceURL:  strings.TrimSpace(sourceURL),
		CreatedAt:  time.Now().UTC(),
	}
	if err := uc.queue.PublishIngestJob(ctx, job); err != nil {
		return nil, fmt.Errorf("publish ingest job: %w", err)
	}
	return &job, nil
}

// RunJob executes one queued job end to end: resolve raw label sections,
// chunk, embed, and insert in a single batch. Embedding failures are
// fatal to the job; the queue redelivers nothing, so the caller decides
// whether to requeue.
func (uc *IngestLabelUseCase) RunJob(ctx context.Context, job domain.IngestJob) (*domain.IngestReport, error) {
	rows, labels, err := uc.resolveRows(ctx, job)
	if err != nil {
		return nil, err
	}

	chunks := uc.chunker.Chunk(rows)
	if len(chunks) == 0 {
		return &domain.IngestReport{JobID: job.ID, LabelsFetched: labels}, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := uc.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "embed chunks",
			fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(chunks)))
	}

	inserts := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		inserts[i] = domain.Chunk{
			RxCUI:     c.RxCUI,
			Section:   c.Section,
			SourceURL: c.SourceURL,
			Snippet:   c.Text,
			Embedding: vectors[i],
		}
	}
	if err := uc.store.InsertChunks(ctx, inserts); err != nil {
		return nil, fmt.Errorf("insert chunks: %w", err)
	}

	if uc.maintainer != nil {
		if err := uc.maintainer.Analyze(ctx); err != nil {
			slog.Warn("post-ingest analyze failed", "job_id", job.ID, "error", err)
		}
	}

	return &domain.IngestReport{
		JobID:          job.ID,
		LabelsFetched:  labels,
		ChunksInserted: len(inserts),
	}, nil
}

func (uc *IngestLabelUseCase) resolveRows(ctx context.Context, job domain.IngestJob) ([]domain.LabelSection, int, error) {
	switch job.Kind {
	case domain.IngestJobOpenFDA:
		rows, err := uc.source.FetchSections(ctx, job.Query, job.Limit)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch label sections: %w", err)
		}
		return rows, countLabels(rows), nil

	case domain.IngestJobUpload:
		text, err := uc.extractor.Extract(ctx, job.StorageKey, job.Filename)
		if err != nil {
			return nil, 0, fmt.Errorf("extract upload: %w", err)
		}
		if strings.TrimSpace(text) == "" {
			return nil, 0, domain.WrapError(domain.ErrInvalidInput, "extract upload", errors.New("empty extracted text"))
		}
		section := job.Section
		if section == "" {
			section = uploadedSection
		}
		return []domain.LabelSection{{
			RxCUI:     job.RxCUI,
			Section:   section,
			Text:      text,
			SourceURL: job.SourceURL,
		}}, 1, nil

	default:
		return nil, 0, domain.WrapError(domain.ErrInvalidInput, "run job",
			fmt.Errorf("unknown job kind %q", job.Kind))
	}
}

// countLabels approximates the number of distinct source labels in a
// section row set.
func countLabels(rows []domain.LabelSection) int {
	seen := make(map[string]bool)
	count := 0
	for _, r := range rows {
		if r.SourceURL == "" && r.RxCUI == "" {
			count++
			continue
		}
		key := r.RxCUI + "|" + r.SourceURL
		if !seen[key] {
			seen[key] = true
			count++
		}
	}
	return count
}
