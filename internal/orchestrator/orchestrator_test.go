package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ovencore/ovencore/internal/memory"
	"github.com/ovencore/ovencore/internal/memory/l2"
	"github.com/ovencore/ovencore/pkg/coreerrors"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

type fakeRouter struct {
	failTimes int32
	calls     int32
	response  orchmodels.RouteResponse
}

func (f *fakeRouter) ExecuteWithFallback(ctx context.Context, taskType string, tier orchmodels.RouteTier, messages []orchmodels.ChatMessage) (orchmodels.RouteResponse, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failTimes {
		return orchmodels.RouteResponse{}, errors.New("transient failure")
	}
	return f.response, nil
}

type fakePersister struct {
	mu      sync.Mutex
	chunks  int
	facts   int
	cached  int
}

func (f *fakePersister) Upsert(ctx context.Context, chunks []orchmodels.DocChunk) (memory.UpsertReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks += len(chunks)
	return memory.UpsertReport{ChunksProcessed: len(chunks), ChunksStored: len(chunks)}, nil
}

func (f *fakePersister) InsertFact(ctx context.Context, table string, value map[string]interface{}) (orchmodels.Fact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts++
	return orchmodels.Fact{}, nil
}

func (f *fakePersister) CacheSet(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached++
	return nil
}

func (f *fakePersister) CacheGet(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func (f *fakePersister) Search(ctx context.Context, domain orchmodels.Domain, query string, topK int) ([]l2.ScoredChunk, error) {
	return nil, nil
}

func testTask(content string) *orchmodels.Task {
	return &orchmodels.Task{
		Type:       "chat",
		Content:    content,
		MaxRetries: 2,
		Budget:     orchmodels.Budget{CostUSD: 1.0, Tokens: 1000},
	}
}

func TestExecuteSucceedsAndPersists(t *testing.T) {
	router := &fakeRouter{response: orchmodels.RouteResponse{Content: "answer", TotalTokens: 5, EstimatedCost: 0.01}}
	persister := &fakePersister{}
	o := New(DefaultConfig(), router, persister)

	result := o.Execute(context.Background(), testTask("hello"))
	if !result.Success {
		t.Fatalf("expected success, got errors %v", result.Errors)
	}
	if persister.chunks != 1 || persister.facts != 1 || persister.cached != 1 {
		t.Fatalf("expected one write to each tier, got chunks=%d facts=%d cached=%d", persister.chunks, persister.facts, persister.cached)
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	router := &fakeRouter{failTimes: 2, response: orchmodels.RouteResponse{Content: "ok"}}
	o := New(DefaultConfig(), router, &fakePersister{})

	result := o.Execute(context.Background(), testTask("hello"))
	if !result.Success {
		t.Fatalf("expected success after retries, got errors %v", result.Errors)
	}
	if router.calls != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", router.calls)
	}
}

func TestExecuteRejectsEmptyContent(t *testing.T) {
	o := New(DefaultConfig(), &fakeRouter{}, &fakePersister{})
	result := o.Execute(context.Background(), testTask(""))
	if result.Success {
		t.Fatal("expected failure for empty task content")
	}
}

func TestTaskReachesTerminalStatus(t *testing.T) {
	router := &fakeRouter{response: orchmodels.RouteResponse{Content: "ok"}}
	o := New(DefaultConfig(), router, &fakePersister{})
	task := testTask("hello")
	o.Execute(context.Background(), task)
	if task.Status != orchmodels.TaskCompleted && task.Status != orchmodels.TaskFailed {
		t.Fatalf("task.Status = %v, want a terminal status", task.Status)
	}
}

func TestCostAccumulatorTracksSpend(t *testing.T) {
	router := &fakeRouter{response: orchmodels.RouteResponse{Content: "ok", EstimatedCost: 0.25}}
	o := New(DefaultConfig(), router, &fakePersister{})
	for i := 0; i < 4; i++ {
		o.Execute(context.Background(), testTask("hello"))
	}
	summary := o.CostSummary()
	if summary.Total != 1.0 {
		t.Fatalf("Total = %v, want 1.0", summary.Total)
	}
}

func TestCostAccumulatorResetOnlyClearsNamedWindow(t *testing.T) {
	acc := &CostAccumulator{}
	acc.add(5)
	acc.Reset("hourly")
	snap := acc.Snapshot()
	if snap.Hourly != 0 {
		t.Fatalf("Hourly = %v, want 0 after reset", snap.Hourly)
	}
	if snap.Daily != 5 || snap.Monthly != 5 || snap.Total != 5 {
		t.Fatalf("expected other windows untouched by a single-window reset, got %+v", snap)
	}
}

func TestHistoryRingIsBounded(t *testing.T) {
	router := &fakeRouter{response: orchmodels.RouteResponse{Content: "ok"}}
	o := New(Config{MaxConcurrentTasks: 4, HistoryCapacity: 3}, router, &fakePersister{})
	for i := 0; i < 10; i++ {
		o.Execute(context.Background(), testTask("hello"))
	}
	history := o.History()
	if len(history) != 3 {
		t.Fatalf("len(History()) = %d, want 3 (bounded by HistoryCapacity)", len(history))
	}
}

func TestConcurrencyBoundedBySemaphore(t *testing.T) {
	blocker := make(chan struct{})
	router := &blockingRouter{release: blocker}
	o := New(Config{MaxConcurrentTasks: 2, HistoryCapacity: 10}, router, &fakePersister{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Execute(context.Background(), testTask("hello"))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	if got := o.ActiveCount(); got > 2 {
		t.Fatalf("ActiveCount = %d, want <= 2 (MaxConcurrentTasks)", got)
	}
	close(blocker)
	wg.Wait()
}

type blockingRouter struct {
	release chan struct{}
}

func (b *blockingRouter) ExecuteWithFallback(ctx context.Context, taskType string, tier orchmodels.RouteTier, messages []orchmodels.ChatMessage) (orchmodels.RouteResponse, error) {
	<-b.release
	return orchmodels.RouteResponse{Content: "ok"}, nil
}

func TestShutdownSucceedsAfterTaskCompletes(t *testing.T) {
	router := &fakeRouter{response: orchmodels.RouteResponse{Content: "ok"}}
	o := New(DefaultConfig(), router, &fakePersister{})

	done := make(chan struct{})
	go func() {
		o.Execute(context.Background(), testTask("hello"))
		close(done)
	}()
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestBudgetGateBlocksWithoutTouchingAccumulator(t *testing.T) {
	router := &fakeRouter{response: orchmodels.RouteResponse{Content: "ok", EstimatedCost: 0.01}}
	cfg := DefaultConfig()
	cfg.HourlyBudgetUSD = 100.0
	o := New(cfg, router, &fakePersister{})
	o.cost.Hourly = 99.995

	task := testTask("hello")
	task.Budget.CostUSD = 0.01
	result := o.Execute(context.Background(), task)

	if result.Success {
		t.Fatal("expected BudgetExceeded failure")
	}
	if len(result.Errors) == 0 || !strings.Contains(result.Errors[0], "budget exceeded") {
		t.Fatalf("expected a budget-exceeded error message, got %v", result.Errors)
	}
	if o.CostSummary().Hourly != 99.995 {
		t.Fatalf("Hourly accumulator = %v, want unchanged at 99.995", o.CostSummary().Hourly)
	}
	if router.calls != 0 {
		t.Fatalf("router.calls = %d, want 0 (budget gate must short-circuit before dispatch)", router.calls)
	}
}

func TestSubmitRejectedAfterShutdown(t *testing.T) {
	o := New(DefaultConfig(), &fakeRouter{}, &fakePersister{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	err := o.Submit(testTask("hello"))
	var validationErr *coreerrors.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError submitting after shutdown, got %v", err)
	}
}
