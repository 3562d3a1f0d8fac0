// Package orchestrator implements the Orchestrator Execution Core
// (§4.7): a bounded worker pool executing Tasks through the Provider
// Router, persisting results back through the Memory Router, with a
// shared circuit breaker and layered cost accumulators.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ovencore/ovencore/internal/circuitbreaker"
	"github.com/ovencore/ovencore/internal/memory"
	"github.com/ovencore/ovencore/internal/memory/l2"
	"github.com/ovencore/ovencore/pkg/coreerrors"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

// Router is the subset of providerrouter.Router the orchestrator needs.
type Router interface {
	ExecuteWithFallback(ctx context.Context, taskType string, tier orchmodels.RouteTier, messages []orchmodels.ChatMessage) (orchmodels.RouteResponse, error)
}

// Persister is the subset of memory.Router the orchestrator needs to
// hydrate context before a call and write results back into the tiers
// afterward.
type Persister interface {
	Upsert(ctx context.Context, chunks []orchmodels.DocChunk) (memory.UpsertReport, error)
	InsertFact(ctx context.Context, table string, value map[string]interface{}) (orchmodels.Fact, error)
	CacheSet(ctx context.Context, key, value string, ttl time.Duration) error
	CacheGet(ctx context.Context, key string) (string, bool, error)
	Search(ctx context.Context, domain orchmodels.Domain, query string, topK int) ([]l2.ScoredChunk, error)
}

// Config tunes an Orchestrator.
type Config struct {
	Domain             orchmodels.Domain // BI or CODE; governs memory scoping and persisted-artifact domain
	MaxConcurrentTasks int
	HistoryCapacity    int
	BreakerConfig      circuitbreaker.Config

	// MemoryEnabled gates the pre-execute context-hydration search.
	MemoryEnabled bool
	// HourlyBudgetUSD/DailyBudgetUSD are hard ceilings on this
	// orchestrator's cost accumulator; zero means unlimited.
	HourlyBudgetUSD float64
	DailyBudgetUSD  float64
	// SummaryCacheTTL controls how long the post-execute summary cache
	// entry (and the pre-execute short-circuit lookup) lives.
	SummaryCacheTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Domain:             orchmodels.DomainShared,
		MaxConcurrentTasks: 8,
		HistoryCapacity:    500,
		BreakerConfig:      circuitbreaker.DefaultConfig(),
		MemoryEnabled:      true,
		SummaryCacheTTL:    time.Hour,
	}
}

// CostAccumulator tracks layered spend windows. The orchestrator only
// increments it; resetting a window is an external scheduler's job.
type CostAccumulator struct {
	mu     sync.Mutex
	Hourly float64
	Daily  float64
	Monthly float64
	Total  float64
}

func (c *CostAccumulator) add(cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Hourly += cost
	c.Daily += cost
	c.Monthly += cost
	c.Total += cost
}

// Reset zeroes the named window ("hourly", "daily", "monthly"). Total
// is monotonic and never reset.
func (c *CostAccumulator) Reset(window string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch window {
	case "hourly":
		c.Hourly = 0
	case "daily":
		c.Daily = 0
	case "monthly":
		c.Monthly = 0
	}
}

func (c *CostAccumulator) Snapshot() CostAccumulator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CostAccumulator{Hourly: c.Hourly, Daily: c.Daily, Monthly: c.Monthly, Total: c.Total}
}

// historyRing is a bounded ring buffer of completed tasks.
type historyRing struct {
	mu    sync.Mutex
	items []orchmodels.Task
	cap   int
	next  int
	full  bool
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{items: make([]orchmodels.Task, capacity), cap: capacity}
}

func (h *historyRing) push(t orchmodels.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cap == 0 {
		return
	}
	h.items[h.next] = t
	h.next = (h.next + 1) % h.cap
	if h.next == 0 {
		h.full = true
	}
}

func (h *historyRing) snapshot() []orchmodels.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		out := make([]orchmodels.Task, h.next)
		copy(out, h.items[:h.next])
		return out
	}
	out := make([]orchmodels.Task, h.cap)
	copy(out, h.items[h.next:])
	copy(out[h.cap-h.next:], h.items[:h.next])
	return out
}

// Orchestrator executes Tasks against a Router with bounded
// concurrency, persisting results through a Persister.
type Orchestrator struct {
	cfg       Config
	router    Router
	persister Persister
	breaker   *circuitbreaker.Breaker

	sem chan struct{}

	mu          sync.Mutex
	pending     []*orchmodels.Task
	active      map[string]*orchmodels.Task
	history     *historyRing
	cost        *CostAccumulator
	shuttingDown bool
	wg          sync.WaitGroup
}

func New(cfg Config, router Router, persister Persister) *Orchestrator {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultConfig().MaxConcurrentTasks
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = DefaultConfig().HistoryCapacity
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultConfig().Domain
	}
	if cfg.SummaryCacheTTL <= 0 {
		cfg.SummaryCacheTTL = DefaultConfig().SummaryCacheTTL
	}
	return &Orchestrator{
		cfg:       cfg,
		router:    router,
		persister: persister,
		breaker:   circuitbreaker.New("orchestrator", cfg.BreakerConfig),
		sem:       make(chan struct{}, cfg.MaxConcurrentTasks),
		active:    make(map[string]*orchmodels.Task),
		history:   newHistoryRing(cfg.HistoryCapacity),
		cost:      &CostAccumulator{},
	}
}

// Submit enqueues a task FIFO. It does not block; Execute is what
// actually runs tasks, called either directly or by a caller draining
// the pending queue.
func (o *Orchestrator) Submit(task *orchmodels.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Status = orchmodels.TaskPending

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.shuttingDown {
		return &coreerrors.ValidationError{Field: "task", Reason: "orchestrator is shutting down, not accepting new tasks"}
	}
	o.pending = append(o.pending, task)
	return nil
}

// next pops the oldest pending task, or (nil, false) if the queue is
// empty.
func (o *Orchestrator) next() (*orchmodels.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return nil, false
	}
	task := o.pending[0]
	o.pending = o.pending[1:]
	return task, true
}

// Execute runs a single task through the 8-step protocol: mark
// started, budget check, route, semaphore+breaker-wrapped call,
// persist results, retry on transient failure, always clean up.
func (o *Orchestrator) Execute(ctx context.Context, task *orchmodels.Task) orchmodels.Result {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return orchmodels.Result{Success: false, Errors: []string{"context cancelled waiting for a worker slot"}}
	}
	o.wg.Add(1)
	defer func() { <-o.sem; o.wg.Done() }()

	o.markStarted(task)
	defer o.cleanup(task)

	o.hydrateContext(ctx, task)

	if err := validateTask(task); err != nil {
		return o.fail(task, err)
	}

	summaryKey := o.summaryCacheKey(task)
	if cached, hit, err := o.persister.CacheGet(ctx, summaryKey); err == nil && hit {
		log.Debug().Str("task_id", task.ID).Msg("orchestrator: summary cache hit, observers only")
		_ = cached // observational only; never substituted for a fresh call's content (§4.7 step 6)
	}

	if err := o.checkBudget(task); err != nil {
		return o.fail(task, err)
	}

	result := o.runWithRetry(ctx, task)
	if result.Success {
		task.Status = orchmodels.TaskCompleted
		o.persistResult(ctx, task, result)
	} else {
		task.Status = orchmodels.TaskFailed
	}
	task.CompletedAt = time.Now().UTC()
	return result
}

func validateTask(task *orchmodels.Task) error {
	if task.Content == "" {
		return &coreerrors.ValidationError{Field: "Content", Reason: "must not be empty"}
	}
	if task.Budget.CostUSD <= 0 {
		return &coreerrors.ValidationError{Field: "Budget.CostUSD", Reason: "must be positive"}
	}
	if task.Budget.Tokens <= 0 {
		return &coreerrors.ValidationError{Field: "Budget.Tokens", Reason: "must be positive"}
	}
	return nil
}

// hydrateContext runs a best-effort vector search scoped to this
// orchestrator's Domain and attaches the hits plus recent history to
// task.Metadata["context"]. A search failure degrades silently — memory
// is advisory here, never a hard dependency of execution.
func (o *Orchestrator) hydrateContext(ctx context.Context, task *orchmodels.Task) {
	if !o.cfg.MemoryEnabled || o.persister == nil || task.Content == "" {
		return
	}
	hits, err := o.persister.Search(ctx, o.cfg.Domain, task.Content, 5)
	if err != nil {
		log.Debug().Str("task_id", task.ID).Err(err).Msg("orchestrator: context hydration search failed, proceeding without it")
		return
	}
	snippets := make([]string, 0, len(hits))
	for _, h := range hits {
		snippets = append(snippets, h.Chunk.Content)
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]interface{})
	}
	task.Metadata["context"] = map[string]interface{}{
		"search_hits":     snippets,
		"recent_history":  o.recentHistorySummaries(3),
	}
}

func (o *Orchestrator) recentHistorySummaries(n int) []string {
	hist := o.history.snapshot()
	if len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	out := make([]string, 0, len(hist))
	for _, t := range hist {
		out = append(out, string(t.Status)+":"+t.ID)
	}
	return out
}

// checkBudget enforces the hourly/daily ceilings from §4.7 step 3. A
// zero limit means unlimited. This is a hard failure: the accumulator
// is left untouched on rejection.
func (o *Orchestrator) checkBudget(task *orchmodels.Task) error {
	snap := o.cost.Snapshot()
	if o.cfg.HourlyBudgetUSD > 0 && snap.Hourly+task.Budget.CostUSD > o.cfg.HourlyBudgetUSD {
		return &coreerrors.BudgetExceeded{Window: "hourly", Limit: o.cfg.HourlyBudgetUSD, Would: snap.Hourly + task.Budget.CostUSD}
	}
	if o.cfg.DailyBudgetUSD > 0 && snap.Daily+task.Budget.CostUSD > o.cfg.DailyBudgetUSD {
		return &coreerrors.BudgetExceeded{Window: "daily", Limit: o.cfg.DailyBudgetUSD, Would: snap.Daily + task.Budget.CostUSD}
	}
	return nil
}

// summaryCacheKey is deterministic in (domain, task type, first 100
// chars of content), per §4.7 step 6.
func (o *Orchestrator) summaryCacheKey(task *orchmodels.Task) string {
	content := task.Content
	if len(content) > 100 {
		content = content[:100]
	}
	return fmt.Sprintf("orch-summary:%s:%s:%s", o.cfg.Domain, task.Type, content)
}

func (o *Orchestrator) markStarted(task *orchmodels.Task) {
	task.StartedAt = time.Now().UTC()
	task.Status = orchmodels.TaskRunning
	o.mu.Lock()
	o.active[task.ID] = task
	o.mu.Unlock()
}

func (o *Orchestrator) cleanup(task *orchmodels.Task) {
	o.mu.Lock()
	delete(o.active, task.ID)
	o.mu.Unlock()
	o.history.push(*task)
}

func (o *Orchestrator) fail(task *orchmodels.Task, err error) orchmodels.Result {
	task.Status = orchmodels.TaskFailed
	task.CompletedAt = time.Now().UTC()
	log.Warn().Str("task_id", task.ID).Err(err).Msg("orchestrator: task rejected before dispatch")
	return orchmodels.Result{Success: false, Errors: []string{err.Error()}, ExecutionMs: 0}
}

func (o *Orchestrator) runWithRetry(ctx context.Context, task *orchmodels.Task) orchmodels.Result {
	var lastErr error
	maxAttempts := task.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := o.breaker.Allow(); err != nil {
			return orchmodels.Result{Success: false, Errors: []string{err.Error()}}
		}

		start := time.Now()
		resp, err := o.router.ExecuteWithFallback(ctx, string(task.Type), orchmodels.TierBalanced,
			[]orchmodels.ChatMessage{{Role: "user", Content: task.Content}})
		elapsed := time.Since(start)

		if err != nil {
			lastErr = err
			o.breaker.RecordFailure()
			task.Retries = attempt + 1
			var budgetErr *coreerrors.BudgetExceeded
			if asBudgetExceeded(err, &budgetErr) {
				break // hard failure, never retried
			}
			continue
		}

		o.breaker.RecordSuccess()
		o.cost.add(resp.EstimatedCost)
		return orchmodels.Result{
			Success:     true,
			Content:     resp.Content,
			CostUSD:     resp.EstimatedCost,
			TokensUsed:  resp.TotalTokens,
			ExecutionMs: elapsed.Milliseconds(),
			Confidence:  1.0,
		}
	}

	errs := []string{"exhausted retries"}
	if lastErr != nil {
		errs = []string{lastErr.Error()}
	}
	return orchmodels.Result{Success: false, Errors: errs}
}

func asBudgetExceeded(err error, target **coreerrors.BudgetExceeded) bool {
	be, ok := err.(*coreerrors.BudgetExceeded)
	if ok {
		*target = be
	}
	return ok
}

func (o *Orchestrator) persistResult(ctx context.Context, task *orchmodels.Task, result orchmodels.Result) {
	payload, err := json.Marshal(struct {
		Task   *orchmodels.Task   `json:"task"`
		Result orchmodels.Result `json:"result"`
	}{task, result})
	if err != nil {
		log.Warn().Str("task_id", task.ID).Err(err).Msg("orchestrator: failed to encode task/result artifact")
		payload = []byte(result.Content)
	}

	chunk := orchmodels.DocChunk{
		Content:    string(payload),
		SourceURI:  fmt.Sprintf("task:%s", task.ID),
		Domain:     o.cfg.Domain,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	}
	if _, err := o.persister.Upsert(ctx, []orchmodels.DocChunk{chunk}); err != nil {
		log.Warn().Str("task_id", task.ID).Err(err).Msg("orchestrator: failed to persist result chunk")
	}

	if _, err := o.persister.InsertFact(ctx, "task_results", map[string]interface{}{
		"task_id":          task.ID,
		"task_type":        string(task.Type),
		"success":          result.Success,
		"cost_usd":         result.CostUSD,
		"tokens_used":      result.TokensUsed,
		"execution_time_ms": result.ExecutionMs,
	}); err != nil {
		log.Warn().Str("task_id", task.ID).Err(err).Msg("orchestrator: failed to persist result fact")
	}

	if err := o.persister.CacheSet(ctx, o.summaryCacheKey(task), result.Content, o.cfg.SummaryCacheTTL); err != nil {
		log.Warn().Str("task_id", task.ID).Err(err).Msg("orchestrator: failed to cache result summary")
	}
}

// History returns a snapshot of completed tasks, oldest first.
func (o *Orchestrator) History() []orchmodels.Task {
	return o.history.snapshot()
}

// CostSummary returns the current layered cost totals.
func (o *Orchestrator) CostSummary() CostAccumulator {
	return o.cost.Snapshot()
}

// ActiveCount reports how many tasks are currently executing.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// PendingCount reports how many tasks are queued but not yet started.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Shutdown stops accepting new submissions, drains the pending queue
// by marking every still-queued task cancelled (§4.7: a task must
// reach a terminal status even if it never dispatches), and waits for
// in-flight tasks to drain, or ctx to expire, whichever comes first.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shuttingDown = true
	now := time.Now().UTC()
	for _, task := range o.pending {
		task.Status = orchmodels.TaskCancelled
		task.CompletedAt = now
		o.history.push(*task)
	}
	o.pending = nil
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return &coreerrors.TimeoutError{Op: "orchestrator.Shutdown"}
	}
}
