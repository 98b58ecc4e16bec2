package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/medassist/label-rag/internal/core/domain"
)

// ChunkRepository stores label chunks with their embeddings in Postgres
// and searches them through a pgvector ivfflat index.
type ChunkRepository struct {
	db    *sql.DB
	lists int
}

func NewChunkRepository(db *sql.DB, ivfflatLists int) *ChunkRepository {
	if ivfflatLists <= 0 {
		ivfflatLists = 100
	}
	return &ChunkRepository{db: db, lists: ivfflatLists}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *ChunkRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026052101)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	query := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS label_chunk (
	id BIGSERIAL PRIMARY KEY,
	rx_cui TEXT,
	section TEXT,
	source_url TEXT,
	snippet TEXT NOT NULL,
	emb vector(%d) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_label_chunk_rx_cui ON label_chunk(rx_cui);
CREATE INDEX IF NOT EXISTS idx_label_chunk_section ON label_chunk(section);

CREATE INDEX IF NOT EXISTS label_chunk_emb_idx
ON label_chunk USING ivfflat (emb vector_l2_ops) WITH (lists = %d);
`, domain.EmbeddingDim, r.lists)

	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Analyze refreshes planner statistics. Call after large bulk loads so
// the ivfflat index keeps acceptable recall and latency.
func (r *ChunkRepository) Analyze(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `ANALYZE label_chunk`); err != nil {
		return fmt.Errorf("analyze label_chunk: %w", err)
	}
	return nil
}

// InsertChunks appends a batch inside one transaction: a failure on any
// row rolls back the whole batch so text is never stored without its
// embedding.
func (r *ChunkRepository) InsertChunks(ctx context.Context, rows []domain.Chunk) error {
	if len(rows) == 0 {
		return nil
	}
	for i, row := range rows {
		if strings.TrimSpace(row.Snippet) == "" {
			return domain.WrapError(domain.ErrInvalidInput, "insert chunks", fmt.Errorf("row %d: empty snippet", i))
		}
		if len(row.Embedding) != domain.EmbeddingDim {
			return domain.WrapError(domain.ErrInvalidInput, "insert chunks",
				fmt.Errorf("row %d: embedding dim %d, want %d", i, len(row.Embedding), domain.EmbeddingDim))
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const query = `
INSERT INTO label_chunk (rx_cui, section, source_url, snippet, emb)
VALUES ($1, $2, $3, $4, CAST($5 AS vector))
`
	for _, row := range rows {
		_, err := tx.ExecContext(ctx, query,
			nullable(row.RxCUI), nullable(row.Section), nullable(row.SourceURL),
			row.Snippet, VectorLiteral(row.Embedding),
		)
		if err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert tx: %w", err)
	}
	return nil
}

// SearchNearest returns the k chunks closest to the query vector by L2
// distance. When the emb column or the table itself is missing (schema
// not migrated yet) it degrades to the k most recently inserted rows and
// reports degraded=true instead of failing the request.
func (r *ChunkRepository) SearchNearest(ctx context.Context, queryVector []float32, k int) ([]domain.Chunk, bool, error) {
	if k <= 0 {
		return nil, false, nil
	}

	const vectorQuery = `
SELECT id, rx_cui, section, source_url, snippet
FROM label_chunk
ORDER BY emb <-> CAST($1 AS vector)
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, vectorQuery, VectorLiteral(queryVector), k)
	if err != nil {
		if !isMissingSchema(err) {
			return nil, false, fmt.Errorf("vector search: %w", err)
		}
		slog.Warn("vector search degraded to recency fallback", "error", err)

		const fallbackQuery = `
SELECT id, rx_cui, section, source_url, snippet
FROM label_chunk
ORDER BY id DESC
LIMIT $1
`
		rows, err = r.db.QueryContext(ctx, fallbackQuery, k)
		if err != nil {
			return nil, false, fmt.Errorf("fallback search: %w", err)
		}
		out, err := scanChunks(rows)
		return out, true, err
	}

	out, err := scanChunks(rows)
	return out, false, err
}

func scanChunks(rows *sql.Rows) ([]domain.Chunk, error) {
	defer rows.Close()

	var out []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		var rxCUI, section, sourceURL sql.NullString
		if err := rows.Scan(&c.ID, &rxCUI, &section, &sourceURL, &c.Snippet); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.RxCUI = rxCUI.String
		c.Section = section.String
		c.SourceURL = sourceURL.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

// isMissingSchema matches undefined_column (42703) and undefined_table
// (42P01), the two shapes a not-yet-migrated store presents.
func isMissingSchema(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "42703" || pgErr.Code == "42P01"
}

// VectorLiteral serializes a vector as a pgvector literal: bracketed,
// comma separated, fixed 6-decimal precision, no spaces.
func VectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%.6f", v)
	}
	b.WriteByte(']')
	return b.String()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
