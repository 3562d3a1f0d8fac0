// Package l2 implements the vector tier (§4.5 L2): pluggable vector
// store drivers behind a common interface, hybrid (dense + lexical)
// search, dedup by content-addressed chunk ID, and a bounded embedding
// cache.
package l2

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ovencore/ovencore/pkg/coreerrors"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

// Driver is implemented by each concrete vector backend.
type Driver interface {
	Name() string
	Upsert(ctx context.Context, chunks []orchmodels.DocChunk) error
	Search(ctx context.Context, domain orchmodels.Domain, embedding []float64, topK int) ([]ScoredChunk, error)
	Delete(ctx context.Context, chunkID string, hard bool) error
	// DeleteBySource removes every chunk whose SourceURI matches
	// sourceURI, tombstoning unless hard. Returns the count affected.
	DeleteBySource(ctx context.Context, sourceURI string, hard bool) (int, error)
	// AllChunks lists every non-deleted chunk, for cross-tier audits.
	AllChunks(ctx context.Context) ([]orchmodels.DocChunk, error)
	Count(ctx context.Context) (int64, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// ScoredChunk pairs a stored chunk with its similarity to a query.
type ScoredChunk struct {
	Chunk orchmodels.DocChunk
	Score float64 // higher is closer: a driver's cosine similarity in [-1, 1], or a Searcher's blended hybrid score
}

// Registry holds named vector store drivers, following the same
// Register/Get/List/HealthCheckAll shape used throughout this module.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Name()] = d
	log.Info().Str("driver", d.Name()).Msg("l2: vector store driver registered")
}

func (r *Registry) Get(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, &coreerrors.ValidationError{Field: "name", Reason: "no vector store driver named " + name}
	}
	return d, nil
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	return names
}

func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]error, len(r.drivers))
	for name, d := range r.drivers {
		out[name] = d.HealthCheck(ctx)
	}
	return out
}
