package l2

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ovencore/ovencore/pkg/coreerrors"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

// PgvectorConfig configures the Postgres+pgvector driver.
type PgvectorConfig struct {
	DSN       string
	Table     string
	Dimension int
}

func DefaultPgvectorConfig() PgvectorConfig {
	return PgvectorConfig{Table: "doc_chunks", Dimension: 1536}
}

// PgvectorDriver is a Driver backed by Postgres with the pgvector
// extension, following a migrate/upsert/search shape.
type PgvectorDriver struct {
	cfg  PgvectorConfig
	pool *pgxpool.Pool
}

func NewPgvectorDriver(ctx context.Context, cfg PgvectorConfig) (*PgvectorDriver, error) {
	if cfg.Table == "" {
		cfg.Table = "doc_chunks"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 1536
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}
	d := &PgvectorDriver{cfg: cfg, pool: pool}
	if err := d.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return d, nil
}

func (d *PgvectorDriver) Name() string { return "pgvector" }

func (d *PgvectorDriver) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			chunk_id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			source_uri TEXT,
			domain TEXT NOT NULL,
			metadata JSONB,
			embedding VECTOR(%d),
			confidence DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		)`, d.cfg.Table, d.cfg.Dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING ivfflat (embedding vector_cosine_ops)`,
			d.cfg.Table, d.cfg.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_domain_idx ON %s (domain)`, d.cfg.Table, d.cfg.Table),
	}
	for _, stmt := range stmts {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("l2: migrating pgvector schema: %w", err)
		}
	}
	return nil
}

// Upsert writes each chunk, computing ChunkID from content when the
// caller hasn't already set it.
func (d *PgvectorDriver) Upsert(ctx context.Context, chunks []orchmodels.DocChunk) error {
	for i := range chunks {
		if chunks[i].ChunkID == "" {
			chunks[i].ChunkID = ContentHash(chunks[i].Content)
		}
		if chunks[i].Timestamp.IsZero() {
			chunks[i].Timestamp = time.Now().UTC()
		}
	}

	batch := &pgxBatcher{pool: d.pool}
	for _, c := range chunks {
		query := fmt.Sprintf(`
			INSERT INTO %s (chunk_id, content, source_uri, domain, metadata, embedding, confidence, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (chunk_id) DO UPDATE SET
				content = EXCLUDED.content,
				source_uri = EXCLUDED.source_uri,
				domain = EXCLUDED.domain,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding,
				confidence = EXCLUDED.confidence,
				deleted_at = NULL
		`, d.cfg.Table)
		batch.queue(query, c.ChunkID, c.Content, c.SourceURI, string(c.Domain),
			c.Metadata, pgvectorArray(c.Embedding), c.Confidence, c.Timestamp)
	}
	if err := batch.flush(ctx); err != nil {
		return &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}
	return nil
}

// Search runs a cosine-distance nearest-neighbor query scoped to the
// readable domain set.
func (d *PgvectorDriver) Search(ctx context.Context, domain orchmodels.Domain, embedding []float64, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		topK = 10
	}
	query := fmt.Sprintf(`
		SELECT chunk_id, content, source_uri, domain, confidence, created_at,
			1 - (embedding <=> $1) AS score
		FROM %s
		WHERE deleted_at IS NULL AND (domain = $2 OR domain = 'SHARED' OR $2 = 'SHARED')
		ORDER BY embedding <=> $1
		LIMIT $3
	`, d.cfg.Table)

	rows, err := d.pool.Query(ctx, query, pgvectorArray(embedding), string(domain), topK)
	if err != nil {
		return nil, &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var c orchmodels.DocChunk
		var score float64
		var domainStr string
		if err := rows.Scan(&c.ChunkID, &c.Content, &c.SourceURI, &domainStr, &c.Confidence, &c.Timestamp, &score); err != nil {
			return nil, fmt.Errorf("l2: scanning search row: %w", err)
		}
		c.Domain = orchmodels.Domain(domainStr)
		out = append(out, ScoredChunk{Chunk: c, Score: score})
	}
	return out, rows.Err()
}

// Delete tombstones a chunk by default; hard=true physically removes it.
func (d *PgvectorDriver) Delete(ctx context.Context, chunkID string, hard bool) error {
	var query string
	if hard {
		query = fmt.Sprintf(`DELETE FROM %s WHERE chunk_id = $1`, d.cfg.Table)
	} else {
		query = fmt.Sprintf(`UPDATE %s SET deleted_at = now() WHERE chunk_id = $1`, d.cfg.Table)
	}
	if _, err := d.pool.Exec(ctx, query, chunkID); err != nil {
		return &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}
	return nil
}

// DeleteBySource tombstones (or, if hard, physically removes) every
// row matching source_uri.
func (d *PgvectorDriver) DeleteBySource(ctx context.Context, sourceURI string, hard bool) (int, error) {
	var query string
	if hard {
		query = fmt.Sprintf(`DELETE FROM %s WHERE source_uri = $1`, d.cfg.Table)
	} else {
		query = fmt.Sprintf(`UPDATE %s SET deleted_at = now() WHERE source_uri = $1 AND deleted_at IS NULL`, d.cfg.Table)
	}
	tag, err := d.pool.Exec(ctx, query, sourceURI)
	if err != nil {
		return 0, &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

// AllChunks lists every non-deleted chunk, for cross-tier audits.
func (d *PgvectorDriver) AllChunks(ctx context.Context) ([]orchmodels.DocChunk, error) {
	query := fmt.Sprintf(`
		SELECT chunk_id, content, source_uri, domain, confidence, created_at
		FROM %s WHERE deleted_at IS NULL
	`, d.cfg.Table)
	rows, err := d.pool.Query(ctx, query)
	if err != nil {
		return nil, &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}
	defer rows.Close()

	var out []orchmodels.DocChunk
	for rows.Next() {
		var c orchmodels.DocChunk
		var domainStr string
		if err := rows.Scan(&c.ChunkID, &c.Content, &c.SourceURI, &domainStr, &c.Confidence, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("l2: scanning chunk row: %w", err)
		}
		c.Domain = orchmodels.Domain(domainStr)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *PgvectorDriver) Count(ctx context.Context) (int64, error) {
	var count int64
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE deleted_at IS NULL`, d.cfg.Table)
	if err := d.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}
	return count, nil
}

func (d *PgvectorDriver) HealthCheck(ctx context.Context) error {
	if err := d.pool.Ping(ctx); err != nil {
		return &coreerrors.BackendUnavailable{Backend: "postgres", Err: err}
	}
	return nil
}

func (d *PgvectorDriver) Close() error {
	d.pool.Close()
	return nil
}

// pgvectorArray formats a []float64 as the text literal pgvector's
// input parser expects: "[0.1,0.2,0.3]".
func pgvectorArray(v []float64) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ContentHash computes the content-addressed chunk ID: SHA-256 of the
// raw content, hex-encoded.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// pgxBatcher is a small helper that queues parameterized statements
// and flushes them inside one transaction, one Exec per statement.
type pgxBatcher struct {
	pool       *pgxpool.Pool
	queries    []string
	argsList   [][]interface{}
}

func (b *pgxBatcher) queue(query string, args ...interface{}) {
	b.queries = append(b.queries, query)
	b.argsList = append(b.argsList, args)
}

func (b *pgxBatcher) flush(ctx context.Context) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for i, q := range b.queries {
		if _, err := tx.Exec(ctx, q, b.argsList[i]...); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
