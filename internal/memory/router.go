package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ovencore/ovencore/internal/memory/l1"
	"github.com/ovencore/ovencore/internal/memory/l2"
	"github.com/ovencore/ovencore/internal/memory/l3"
	"github.com/ovencore/ovencore/internal/memory/l4"
	"github.com/ovencore/ovencore/pkg/coreerrors"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

// Config configures a Router.
type Config struct {
	L1 l1.Config
	L4 l4.Config

	PolicyPath string

	// EmbeddingBatchSize bounds how many chunks missing an embedding are
	// sent to the Provider Router in a single Embed call.
	EmbeddingBatchSize int
	// EmbeddingDimension is the configured embedding model's output
	// width; any chunk arriving with a pre-computed embedding of a
	// different width is rejected.
	EmbeddingDimension int
	// SearchCacheTTL bounds how long a search result set lives in L1,
	// keyed by a hash of (query, domain, filters).
	SearchCacheTTL time.Duration
}

func Load() Config {
	return Config{
		L1:                 l1.Load(),
		L4:                 l4.Load(),
		EmbeddingBatchSize: 32,
		EmbeddingDimension: 1536,
		SearchCacheTTL:     5 * time.Minute,
	}
}

// UpsertReport summarizes one Upsert call (§8 scenario 2: dedup).
type UpsertReport struct {
	ChunksProcessed int
	DuplicatesFound int
	ChunksStored    int
	Errors          []string
}

// Metrics counts cross-tier reads, writes, searches, and L1 cache
// outcomes, and exposes the derived cache hit rate. All five counters
// are process-lifetime monotonic; there is no reset, matching the
// cost accumulator's Total window.
type Metrics struct {
	reads       int64
	writes      int64
	searches    int64
	cacheHits   int64
	cacheMisses int64
}

func (m *Metrics) recordRead()      { atomic.AddInt64(&m.reads, 1) }
func (m *Metrics) recordWrite()     { atomic.AddInt64(&m.writes, 1) }
func (m *Metrics) recordSearch()    { atomic.AddInt64(&m.searches, 1) }
func (m *Metrics) recordCacheHit()  { atomic.AddInt64(&m.cacheHits, 1) }
func (m *Metrics) recordCacheMiss() { atomic.AddInt64(&m.cacheMisses, 1) }

// MetricsSnapshot is a point-in-time copy of Metrics' counters.
type MetricsSnapshot struct {
	Reads       int64
	Writes      int64
	Searches    int64
	CacheHits   int64
	CacheMisses int64
}

// CacheHitRate is cacheHits / (cacheHits + cacheMisses), or 0 if
// neither has happened yet.
func (s MetricsSnapshot) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// AuditReport is the result of cross-referencing L2 against L3 (§4.5
// cross-tier audit).
type AuditReport struct {
	TotalChunks   int64
	OrphanChunks  []string // chunk IDs with no matching chunk_lineage row
	Duplicates    []string // stubbed: exact-hash dedup already happens at upsert time
	PIIViolations []string // stubbed per spec; no PII scanner wired
}

// PurgeReport is the result of a cross-tier Purge (§4.5).
type PurgeReport struct {
	Purged  map[string]int // tier name -> rows affected
	Success bool
	Errors  []string
}

// Router is the single entry point callers use for memory reads and
// writes, regardless of which tier backs a given operation.
type Router struct {
	cfg      Config
	policy   Policy
	embedder l2.Embedder
	metrics  *Metrics

	l1       *l1.Store
	l2Search *l2.Searcher
	l2Driver l2.Driver
	l3Store  *l3.Store
	l4Arch   *l4.Archiver
}

// New wires the four tiers together. Any of l2Driver/l3Store/l4Arch
// may be nil if that tier isn't configured for this deployment. Most
// calls touching a nil tier return BackendUnavailable; Upsert instead
// records the missing L2 tier in its UpsertReport, and Purge skips
// nil tiers.
func New(cfg Config, l1Store *l1.Store, l2Driver l2.Driver, embedder l2.Embedder, l3Store *l3.Store, l4Arch *l4.Archiver) (*Router, error) {
	policy, err := LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}
	if cfg.EmbeddingBatchSize <= 0 {
		cfg.EmbeddingBatchSize = 32
	}
	if cfg.EmbeddingDimension <= 0 {
		cfg.EmbeddingDimension = 1536
	}
	if cfg.SearchCacheTTL <= 0 {
		cfg.SearchCacheTTL = 5 * time.Minute
	}
	var searcher *l2.Searcher
	if l2Driver != nil {
		searcher = l2.NewSearcher(l2Driver, embedder, l2.DefaultHybridConfig())
	}
	return &Router{
		cfg:      cfg,
		policy:   policy,
		embedder: embedder,
		metrics:  &Metrics{},
		l1:       l1Store,
		l2Search: searcher,
		l2Driver: l2Driver,
		l3Store:  l3Store,
		l4Arch:   l4Arch,
	}, nil
}

// Metrics returns a snapshot of the cross-tier counters (§4.5 metrics).
func (r *Router) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Reads:       atomic.LoadInt64(&r.metrics.reads),
		Writes:      atomic.LoadInt64(&r.metrics.writes),
		Searches:    atomic.LoadInt64(&r.metrics.searches),
		CacheHits:   atomic.LoadInt64(&r.metrics.cacheHits),
		CacheMisses: atomic.LoadInt64(&r.metrics.cacheMisses),
	}
}

// ── L1 ephemeral ─────────────────────────────────────────────

func (r *Router) CacheSet(ctx context.Context, key, value string, ttl time.Duration) error {
	if r.l1 == nil {
		return &coreerrors.BackendUnavailable{Backend: "l1", Err: fmt.Errorf("not configured")}
	}
	r.metrics.recordWrite()
	return r.l1.Set(ctx, orchmodels.EphemeralEntry{Key: key, Value: value, TTL: ttl})
}

func (r *Router) CacheGet(ctx context.Context, key string) (string, bool, error) {
	if r.l1 == nil {
		return "", false, &coreerrors.BackendUnavailable{Backend: "l1", Err: fmt.Errorf("not configured")}
	}
	r.metrics.recordRead()
	val, hit, err := r.l1.Get(ctx, key)
	if err != nil {
		return val, hit, err
	}
	if hit {
		r.metrics.recordCacheHit()
	} else {
		r.metrics.recordCacheMiss()
	}
	return val, hit, nil
}

// ── L2 vector ────────────────────────────────────────────────

// Upsert implements §4.5 L2 upsert_chunks: dedup by chunk_id, batch-embed
// any chunk missing an embedding, write through the driver, and
// asynchronously record lineage in L3. A driver that is unavailable
// degrades to a soft-failure report rather than a hard error, per the
// L2 edge case in §4.5 — callers must not treat either as fatal.
func (r *Router) Upsert(ctx context.Context, chunks []orchmodels.DocChunk) (UpsertReport, error) {
	report := UpsertReport{ChunksProcessed: len(chunks)}
	if r.l2Driver == nil {
		report.Errors = append(report.Errors, "l2 backend not configured")
		return report, nil
	}

	deduped := make([]orchmodels.DocChunk, 0, len(chunks))
	seen := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		if c.ChunkID == "" {
			c.ChunkID = l2.ContentHash(c.Content)
		}
		if c.Timestamp.IsZero() {
			c.Timestamp = time.Now().UTC()
		} else {
			c.Timestamp = c.Timestamp.UTC()
		}
		if seen[c.ChunkID] {
			report.DuplicatesFound++
			continue
		}
		if len(c.Embedding) > 0 && len(c.Embedding) != r.cfg.EmbeddingDimension {
			report.Errors = append(report.Errors, fmt.Sprintf("chunk %s: embedding dimension %d != configured %d", c.ChunkID, len(c.Embedding), r.cfg.EmbeddingDimension))
			continue
		}
		seen[c.ChunkID] = true
		deduped = append(deduped, c)
	}

	if err := r.batchEmbedMissing(ctx, deduped); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report, nil
	}

	if err := r.l2Driver.Upsert(ctx, deduped); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report, nil
	}
	report.ChunksStored = len(deduped)
	r.metrics.recordWrite()

	if r.l3Store != nil {
		go r.recordLineage(deduped)
	}
	return report, nil
}

// batchEmbedMissing fills in embeddings for any chunk that arrived
// without one, calling the embedder in batches of cfg.EmbeddingBatchSize.
func (r *Router) batchEmbedMissing(ctx context.Context, chunks []orchmodels.DocChunk) error {
	if r.embedder == nil {
		return nil
	}
	var idx []int
	var texts []string
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			idx = append(idx, i)
			texts = append(texts, c.Content)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	batchSize := r.cfg.EmbeddingBatchSize
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := r.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return fmt.Errorf("memory: batch embedding: %w", err)
		}
		if len(vecs) != end-start {
			return fmt.Errorf("memory: embedder returned %d vectors for %d texts", len(vecs), end-start)
		}
		for j, v := range vecs {
			chunks[idx[start+j]].Embedding = v
		}
	}
	return nil
}

// recordLineage writes one chunk_lineage fact per stored chunk. Runs
// asynchronously and best-effort: a lineage write failure never fails
// the caller's Upsert, only leaves a chunk discoverable by the orphan
// audit (§4.5 cross-tier audit).
func (r *Router) recordLineage(chunks []orchmodels.DocChunk) {
	ctx := context.Background()
	for _, c := range chunks {
		_, err := r.l3Store.Insert(ctx, "chunk_lineage", map[string]interface{}{
			"chunk_id":   c.ChunkID,
			"source_uri": c.SourceURI,
			"domain":     string(c.Domain),
		})
		if err != nil {
			log.Warn().Str("chunk_id", c.ChunkID).Err(err).Msg("memory: failed to record chunk lineage")
		}
	}
}

// Search performs domain-scoped hybrid search with default options.
// queryDomain determines what the caller may see, per this Router's
// Policy.
func (r *Router) Search(ctx context.Context, queryDomain orchmodels.Domain, query string, topK int) ([]l2.ScoredChunk, error) {
	return r.SearchWithOptions(ctx, queryDomain, query, topK, l2.SearchOptions{})
}

// SearchWithOptions is Search with a caller-settable alpha/filters
// mix (§4.5 search(query, domain, k, alpha, filters, rerank); rerank
// is not implemented). Results are cached in L1 under
// a hash of (query, domain, filters) for cfg.SearchCacheTTL.
func (r *Router) SearchWithOptions(ctx context.Context, queryDomain orchmodels.Domain, query string, topK int, opts l2.SearchOptions) ([]l2.ScoredChunk, error) {
	if r.l2Search == nil {
		return nil, &coreerrors.BackendUnavailable{Backend: "l2", Err: fmt.Errorf("not configured")}
	}
	r.metrics.recordSearch()

	cacheKey := searchCacheKey(query, queryDomain, opts.Filters)
	if cached, hit, err := r.CacheGet(ctx, cacheKey); err == nil && hit {
		var results []l2.ScoredChunk
		if err := json.Unmarshal([]byte(cached), &results); err == nil {
			return r.filterByPolicy(queryDomain, results), nil
		}
	}

	// A domain with cross_read entries needs candidates beyond its own
	// domain; search unscoped and let filterByPolicy narrow the results.
	driverDomain := queryDomain
	if len(r.policy.Domains[string(queryDomain)].CrossRead) > 0 {
		driverDomain = orchmodels.DomainShared
	}
	results, err := r.l2Search.Search(ctx, driverDomain, query, topK, opts)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(results); err == nil {
		if err := r.CacheSet(ctx, cacheKey, string(encoded), r.cfg.SearchCacheTTL); err != nil {
			log.Debug().Err(err).Msg("memory: failed to cache search results")
		}
	}

	return r.filterByPolicy(queryDomain, results), nil
}

func (r *Router) filterByPolicy(queryDomain orchmodels.Domain, results []l2.ScoredChunk) []l2.ScoredChunk {
	filtered := results[:0]
	for _, res := range results {
		if r.policy.readable(queryDomain, res.Chunk.Domain) {
			filtered = append(filtered, res)
		}
	}
	return filtered
}

// searchCacheKey hashes (query, domain, filters) to a short, stable
// L1 key, filters sorted by key so the same filter set always hashes
// the same way regardless of map iteration order.
func searchCacheKey(query string, domain orchmodels.Domain, filters map[string]string) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, k+"="+filters[k])
	}
	h := sha256.Sum256([]byte(query + "|" + string(domain) + "|" + strings.Join(parts, "&")))
	return "search:" + hex.EncodeToString(h[:])[:16]
}

// ── L3 structured ────────────────────────────────────────────

func (r *Router) InsertFact(ctx context.Context, table string, value map[string]interface{}) (orchmodels.Fact, error) {
	if r.l3Store == nil {
		return orchmodels.Fact{}, &coreerrors.BackendUnavailable{Backend: "l3", Err: fmt.Errorf("not configured")}
	}
	r.metrics.recordWrite()
	return r.l3Store.Insert(ctx, table, value)
}

func (r *Router) QueryFacts(ctx context.Context, table string, filter map[string]interface{}) ([]orchmodels.Fact, error) {
	if r.l3Store == nil {
		return nil, &coreerrors.BackendUnavailable{Backend: "l3", Err: fmt.Errorf("not configured")}
	}
	r.metrics.recordRead()
	return r.l3Store.QueryFacts(ctx, table, filter)
}

// ── L4 cold archive ──────────────────────────────────────────

func (r *Router) Archive(ctx context.Context, blob orchmodels.ArchiveBlob) error {
	if r.l4Arch == nil {
		return &coreerrors.BackendUnavailable{Backend: "l4", Err: fmt.Errorf("not configured")}
	}
	r.metrics.recordWrite()
	return r.l4Arch.Archive(ctx, blob)
}

// ── Cross-tier audit ─────────────────────────────────────────

// Audit lists orphan chunks (L2 rows with no matching L3
// chunk_lineage row) plus the duplicate and PII-violation findings
// named in §4.5. Duplicate detection beyond exact-content collision
// (already deduped at Upsert time via content-addressed chunk IDs)
// and PII scanning are both stubbed to empty, matching the spec's
// "stubbed; returns empty by default" for PII.
func (r *Router) Audit(ctx context.Context) (AuditReport, error) {
	report := AuditReport{}
	if r.l2Driver == nil {
		return report, &coreerrors.BackendUnavailable{Backend: "l2", Err: fmt.Errorf("not configured")}
	}
	r.metrics.recordRead()

	chunks, err := r.l2Driver.AllChunks(ctx)
	if err != nil {
		return report, err
	}
	report.TotalChunks = int64(len(chunks))

	if r.l3Store == nil {
		// Can't cross-reference lineage without L3; every chunk is
		// unverifiable, not reported as orphaned.
		return report, nil
	}
	lineage, err := r.l3Store.QueryFacts(ctx, "chunk_lineage", map[string]interface{}{})
	if err != nil {
		return report, err
	}
	haveLineage := make(map[string]bool, len(lineage))
	for _, fact := range lineage {
		if chunkID, ok := fact.Value["chunk_id"].(string); ok {
			haveLineage[chunkID] = true
		}
	}
	for _, c := range chunks {
		if !haveLineage[c.ChunkID] {
			report.OrphanChunks = append(report.OrphanChunks, c.ChunkID)
		}
	}
	return report, nil
}

// ── Cross-tier purge ─────────────────────────────────────────

// Purge removes every record referencing sourceURI across all four
// tiers (§4.5: "removes data referencing a source from L1/L2/L3/L4
// tiers with per-tier counts and an aggregated success flag"). By
// default (hard=false) L2/L3 rows are tombstoned, excluded from
// search/query but kept on disk; hard=true physically removes them.
// L4 purge is always a hard delete (it has no tombstone tier beneath
// it). L1 has no index by source_uri, so it always reports 0 purged.
func (r *Router) Purge(ctx context.Context, sourceURI string, hard bool) PurgeReport {
	report := PurgeReport{Purged: map[string]int{"L1": 0, "L2": 0, "L3": 0, "L4": 0}}
	r.metrics.recordWrite()

	if r.l2Driver != nil {
		n, err := r.l2Driver.DeleteBySource(ctx, sourceURI, hard)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		} else {
			report.Purged["L2"] = n
		}
	}

	if r.l3Store != nil {
		facts, err := r.l3Store.QueryFacts(ctx, "chunk_lineage", map[string]interface{}{"source_uri": sourceURI})
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		} else {
			for _, fact := range facts {
				if err := r.l3Store.Purge(ctx, "chunk_lineage", fact.FactID, hard); err != nil {
					report.Errors = append(report.Errors, err.Error())
					continue
				}
				report.Purged["L3"]++
			}
		}
	}

	if r.l4Arch != nil {
		if err := r.l4Arch.Purge(ctx, sourceURI); err != nil {
			report.Errors = append(report.Errors, err.Error())
		} else {
			report.Purged["L4"] = 1
		}
	}

	report.Success = len(report.Errors) == 0
	log.Info().Str("source_uri", sourceURI).Bool("hard", hard).Interface("purged", report.Purged).Msg("memory: purge complete")
	return report
}

func (r *Router) Close() error {
	var firstErr error
	if r.l1 != nil {
		if err := r.l1.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.l2Driver != nil {
		if err := r.l2Driver.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.l3Store != nil {
		if err := r.l3Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
