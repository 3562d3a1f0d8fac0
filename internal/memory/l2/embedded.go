package l2

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ovencore/ovencore/pkg/orchmodels"
)

// EmbeddedDriver is an in-process Driver: a plain map guarded by a
// mutex, brute-force cosine search. It exists for local development
// and tests where standing up Postgres is unwarranted.
type EmbeddedDriver struct {
	mu     sync.RWMutex
	chunks map[string]orchmodels.DocChunk
}

func NewEmbeddedDriver() *EmbeddedDriver {
	return &EmbeddedDriver{chunks: make(map[string]orchmodels.DocChunk)}
}

func (d *EmbeddedDriver) Name() string { return "embedded" }

func (d *EmbeddedDriver) Upsert(ctx context.Context, chunks []orchmodels.DocChunk) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range chunks {
		if c.ChunkID == "" {
			c.ChunkID = ContentHash(c.Content)
		}
		if c.Timestamp.IsZero() {
			c.Timestamp = time.Now().UTC()
		}
		d.chunks[c.ChunkID] = c
	}
	return nil
}

func (d *EmbeddedDriver) Search(ctx context.Context, domain orchmodels.Domain, embedding []float64, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		topK = 10
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var scored []ScoredChunk
	for _, c := range d.chunks {
		if c.DeletedAt != nil {
			continue
		}
		if !orchmodels.Readable(domain, c.Domain) {
			continue
		}
		scored = append(scored, ScoredChunk{Chunk: c, Score: cosineSimilarity(embedding, c.Embedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (d *EmbeddedDriver) Delete(ctx context.Context, chunkID string, hard bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hard {
		delete(d.chunks, chunkID)
		return nil
	}
	c, ok := d.chunks[chunkID]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	c.DeletedAt = &now
	d.chunks[chunkID] = c
	return nil
}

func (d *EmbeddedDriver) DeleteBySource(ctx context.Context, sourceURI string, hard bool) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int
	now := time.Now().UTC()
	for id, c := range d.chunks {
		if c.SourceURI != sourceURI {
			continue
		}
		if hard {
			delete(d.chunks, id)
		} else {
			if c.DeletedAt != nil {
				continue
			}
			c.DeletedAt = &now
			d.chunks[id] = c
		}
		n++
	}
	return n, nil
}

func (d *EmbeddedDriver) AllChunks(ctx context.Context) ([]orchmodels.DocChunk, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]orchmodels.DocChunk, 0, len(d.chunks))
	for _, c := range d.chunks {
		if c.DeletedAt != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *EmbeddedDriver) Count(ctx context.Context) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int64
	for _, c := range d.chunks {
		if c.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (d *EmbeddedDriver) HealthCheck(ctx context.Context) error { return nil }

func (d *EmbeddedDriver) Close() error { return nil }

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
