package l2

import (
	"container/list"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/ovencore/ovencore/pkg/coreerrors"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

var errEmbedderReturnedNothing = errors.New("embedder returned no vectors for a non-empty input")

// Embedder produces vector embeddings for text, typically backed by a
// provider's EmbeddingCapableDriver.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// HybridConfig tunes the dense/lexical score blend.
type HybridConfig struct {
	// Alpha weights the dense (embedding) score; (1-Alpha) weights the
	// lexical (term-overlap) score. Alpha=1 is pure vector search.
	Alpha float64
	TopK  int
}

func DefaultHybridConfig() HybridConfig {
	return HybridConfig{Alpha: 0.65, TopK: 10}
}

// SearchOptions carries the caller-settable parts of a hybrid search
// beyond (domain, query, topK): the dense/lexical mix and a metadata
// filter. Zero value means "use the Searcher's configured defaults,
// no filter".
type SearchOptions struct {
	// Alpha overrides the Searcher's configured Alpha for this call.
	// Must be in [0, 1] when non-zero.
	Alpha float64
	// Filters restricts results to chunks whose Metadata matches every
	// entry exactly.
	Filters map[string]string
}

func (o SearchOptions) validate() error {
	if o.Alpha != 0 && (o.Alpha < 0 || o.Alpha > 1) {
		return &coreerrors.ValidationError{Field: "alpha", Reason: "must be between 0 and 1"}
	}
	return nil
}

// Searcher runs hybrid search against a Driver, deduplicating by
// ChunkID and caching embeddings for repeated queries.
type Searcher struct {
	driver   Driver
	embedder Embedder
	cfg      HybridConfig
	cache    *embeddingCache
}

func NewSearcher(driver Driver, embedder Embedder, cfg HybridConfig) *Searcher {
	if cfg.Alpha == 0 {
		cfg.Alpha = DefaultHybridConfig().Alpha
	}
	if cfg.TopK == 0 {
		cfg.TopK = DefaultHybridConfig().TopK
	}
	return &Searcher{driver: driver, embedder: embedder, cfg: cfg, cache: newEmbeddingCache(100_000)}
}

// Search embeds the query (using the cache when possible), fetches
// dense matches from the driver, re-scores them with lexical overlap,
// blends the two, and returns the top K deduplicated by ChunkID.
func (s *Searcher) Search(ctx context.Context, domain orchmodels.Domain, query string, topK int, opts SearchOptions) ([]ScoredChunk, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	alpha := s.cfg.Alpha
	if opts.Alpha != 0 {
		alpha = opts.Alpha
	}
	embedding, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	// Fetch more than topK from the driver so re-scoring/dedup has room
	// to work with before truncating.
	fetchK := topK * 3
	if fetchK < topK {
		fetchK = topK
	}
	candidates, err := s.driver.Search(ctx, domain, embedding, fetchK)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(candidates))
	terms := tokenize(query)
	var blended []ScoredChunk
	for _, c := range candidates {
		if seen[c.Chunk.ChunkID] {
			continue
		}
		if !matchesFilters(c.Chunk, opts.Filters) {
			continue
		}
		seen[c.Chunk.ChunkID] = true
		lexical := lexicalOverlap(terms, tokenize(c.Chunk.Content))
		blendedScore := alpha*c.Score + (1-alpha)*lexical
		blended = append(blended, ScoredChunk{Chunk: c.Chunk, Score: blendedScore})
	}

	sort.Slice(blended, func(i, j int) bool { return blended[i].Score > blended[j].Score })
	if len(blended) > topK {
		blended = blended[:topK]
	}
	return blended, nil
}

func matchesFilters(chunk orchmodels.DocChunk, filters map[string]string) bool {
	for k, v := range filters {
		if chunk.Metadata[k] != v {
			return false
		}
	}
	return true
}

func (s *Searcher) embedQuery(ctx context.Context, query string) ([]float64, error) {
	if v, ok := s.cache.get(query); ok {
		return v, nil
	}
	if s.embedder == nil {
		return nil, &coreerrors.ValidationError{Field: "embedder", Reason: "no embedder configured for hybrid search"}
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, &coreerrors.InternalError{Err: errEmbedderReturnedNothing}
	}
	s.cache.put(query, vecs[0])
	return vecs[0], nil
}

func tokenize(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func lexicalOverlap(query, doc map[string]bool) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	var overlap int
	for term := range query {
		if doc[term] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(query))
}

// ── Bounded embedding cache ──────────────────────────────────

// embeddingCache is an LRU cache capped at a fixed entry count, sized
// to absorb ~100k distinct queries before eviction.
type embeddingCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key   string
	value []float64
}

func newEmbeddingCache(capacity int) *embeddingCache {
	return &embeddingCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *embeddingCache) get(key string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).value, true
}

func (c *embeddingCache) put(key string, value []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: key, value: value})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}
