// Package providerrouter implements the Provider Router (§4.4):
// fallback across ordered provider candidates, with per-provider
// circuit breakers and cost accounting. Virtual keys are minted and
// verified by separate calls; ExecuteWithFallback does not check one.
package providerrouter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ovencore/ovencore/internal/circuitbreaker"
	"github.com/ovencore/ovencore/pkg/coreerrors"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

// ProviderDriver is implemented by every backend the router can call.
// Drivers that also support embeddings implement the optional
// interface below and are type-asserted at call time.
type ProviderDriver interface {
	Name() string
	Call(ctx context.Context, model string, messages []orchmodels.ChatMessage, maxTokens int) (orchmodels.RouteResponse, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingCapableDriver is an optional capability: a ProviderDriver
// may also implement this to serve Embed calls.
type EmbeddingCapableDriver interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float64, error)
}

// OrderStrategy picks the order candidates are attempted in.
type OrderStrategy string

const (
	StrategyFallback        OrderStrategy = "fallback"         // as configured
	StrategyCostOptimized   OrderStrategy = "cost-optimized"    // cheapest CostPer1K first
	StrategyLatencyOptimized OrderStrategy = "latency-optimized" // lowest observed EWMA latency first
	StrategyRoundRobin      OrderStrategy = "round-robin"
)

// Config configures a Router.
type Config struct {
	Strategy           OrderStrategy
	BreakerConfig      circuitbreaker.Config
	VirtualKeySecret   string        // HMAC secret for JWT virtual keys
	VirtualKeyTTL      time.Duration
	LatencyEWMAAlpha   float64       // smoothing factor, 0 < alpha <= 1
}

func Load() Config {
	return Config{
		Strategy:         StrategyFallback,
		BreakerConfig:    circuitbreaker.DefaultConfig(),
		VirtualKeyTTL:    15 * time.Minute,
		LatencyEWMAAlpha: 0.3,
	}
}

// Router owns a driver registry, the route table, one circuit breaker
// per provider (shared by every route that lists it), and running
// cost/latency stats.
type Router struct {
	cfg Config

	mu      sync.RWMutex
	drivers map[string]ProviderDriver
	routes  map[routeKey]orchmodels.ProviderRoute

	breakerMu sync.Mutex
	breakers  map[string]*circuitbreaker.Breaker

	statsMu     sync.Mutex
	avgLatency  map[string]float64 // provider -> EWMA latency in ms
	roundRobin  map[routeKey]uint64

	costMu  sync.Mutex
	cost    *orchmodels.CostSummary
}

type routeKey struct {
	taskType string
	tier     orchmodels.RouteTier
}

func New(cfg Config) *Router {
	if cfg.LatencyEWMAAlpha <= 0 || cfg.LatencyEWMAAlpha > 1 {
		cfg.LatencyEWMAAlpha = 0.3
	}
	return &Router{
		cfg:        cfg,
		drivers:    make(map[string]ProviderDriver),
		routes:     make(map[routeKey]orchmodels.ProviderRoute),
		breakers:   make(map[string]*circuitbreaker.Breaker),
		avgLatency: make(map[string]float64),
		roundRobin: make(map[routeKey]uint64),
		cost:       orchmodels.NewCostSummary(),
	}
}

// RegisterDriver adds a provider driver, keyed by its own Name().
func (r *Router) RegisterDriver(d ProviderDriver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Name()] = d
	log.Info().Str("provider", d.Name()).Msg("providerrouter: driver registered")
}

// RegisterRoute installs (or replaces) the candidate list for a
// (task type, tier) pair.
func (r *Router) RegisterRoute(route orchmodels.ProviderRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey{route.TaskType, route.Tier}] = route
}

func (r *Router) breakerFor(provider string) *circuitbreaker.Breaker {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = circuitbreaker.New(provider, r.cfg.BreakerConfig)
		r.breakers[provider] = b
	}
	return b
}

// orderedCandidates returns route.Candidates reordered per cfg.Strategy.
func (r *Router) orderedCandidates(key routeKey, route orchmodels.ProviderRoute) []orchmodels.ProviderCandidate {
	cands := append([]orchmodels.ProviderCandidate(nil), route.Candidates...)

	switch r.cfg.Strategy {
	case StrategyCostOptimized:
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].CostPer1K < cands[j].CostPer1K })
	case StrategyLatencyOptimized:
		r.statsMu.Lock()
		sort.SliceStable(cands, func(i, j int) bool {
			return r.avgLatency[cands[i].Provider] < r.avgLatency[cands[j].Provider]
		})
		r.statsMu.Unlock()
	case StrategyRoundRobin:
		r.statsMu.Lock()
		n := r.roundRobin[key]
		r.roundRobin[key] = n + 1
		r.statsMu.Unlock()
		if len(cands) > 0 {
			offset := int(n % uint64(len(cands)))
			cands = append(cands[offset:], cands[:offset]...)
		}
	case StrategyFallback:
		// keep configured order
	}
	return cands
}

// RouteRequest selects the candidate list for (taskType, tier) without
// invoking a driver; callers that want the full call-with-fallback
// behavior should use ExecuteWithFallback instead.
func (r *Router) RouteRequest(taskType string, tier orchmodels.RouteTier) (orchmodels.ProviderRoute, error) {
	r.mu.RLock()
	route, ok := r.routes[routeKey{taskType, tier}]
	r.mu.RUnlock()
	if !ok {
		return orchmodels.ProviderRoute{}, &coreerrors.ValidationError{
			Field: "taskType/tier", Reason: fmt.Sprintf("no route registered for (%s, %s)", taskType, tier),
		}
	}
	return route, nil
}

// ExecuteWithFallback tries each candidate in order, skipping any whose
// circuit breaker is open, until one succeeds or all are exhausted.
// An auth error counts as two failures on the provider's breaker
// instead of one, so it opens sooner; it does not trip the breaker at
// once, and the provider is not quarantined beyond the breaker's open
// timeout.
func (r *Router) ExecuteWithFallback(ctx context.Context, taskType string, tier orchmodels.RouteTier, messages []orchmodels.ChatMessage) (orchmodels.RouteResponse, error) {
	key := routeKey{taskType, tier}
	r.mu.RLock()
	route, ok := r.routes[key]
	r.mu.RUnlock()
	if !ok {
		return orchmodels.RouteResponse{}, &coreerrors.NoProviderAvailable{TaskType: taskType}
	}

	var lastErr error
	for _, cand := range r.orderedCandidates(key, route) {
		r.mu.RLock()
		driver, ok := r.drivers[cand.Provider]
		r.mu.RUnlock()
		if !ok {
			lastErr = &coreerrors.ValidationError{Field: "provider", Reason: fmt.Sprintf("no driver registered for %q", cand.Provider)}
			continue
		}

		breaker := r.breakerFor(cand.Provider)
		if err := breaker.Allow(); err != nil {
			lastErr = err
			continue
		}

		start := time.Now()
		resp, err := driver.Call(ctx, cand.Model, messages, cand.MaxTokens)
		elapsed := time.Since(start)

		if err != nil {
			lastErr = err
			var authErr *coreerrors.AuthError
			if isAuthError(err, &authErr) {
				breaker.RecordFailure()
				breaker.RecordFailure() // auth failures quarantine faster than transient ones
			} else {
				breaker.RecordFailure()
			}
			log.Warn().Str("provider", cand.Provider).Err(err).Msg("providerrouter: candidate failed, trying next")
			continue
		}

		breaker.RecordSuccess()
		r.recordLatency(cand.Provider, float64(elapsed.Milliseconds()))
		r.recordCost(cand.Provider, taskType, resp.EstimatedCost, resp.TotalTokens)
		return resp, nil
	}

	return orchmodels.RouteResponse{}, &coreerrors.NoProviderAvailable{TaskType: taskType, LastErr: lastErr}
}

func isAuthError(err error, target **coreerrors.AuthError) bool {
	ae, ok := err.(*coreerrors.AuthError)
	if ok {
		*target = ae
	}
	return ok
}

func (r *Router) recordLatency(provider string, ms float64) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	prev, ok := r.avgLatency[provider]
	if !ok {
		r.avgLatency[provider] = ms
		return
	}
	a := r.cfg.LatencyEWMAAlpha
	r.avgLatency[provider] = a*ms + (1-a)*prev
}

func (r *Router) recordCost(provider, taskType string, cost float64, tokens int64) {
	r.costMu.Lock()
	defer r.costMu.Unlock()
	r.cost.TotalCostUSD += cost
	r.cost.TotalTokens += tokens
	r.cost.ByProvider[provider] += cost
	r.cost.ByTaskType[taskType] += cost
}

// CostSummary returns a snapshot of accumulated cost.
func (r *Router) CostSummary() orchmodels.CostSummary {
	r.costMu.Lock()
	defer r.costMu.Unlock()
	snap := orchmodels.CostSummary{
		TotalCostUSD: r.cost.TotalCostUSD,
		TotalTokens:  r.cost.TotalTokens,
		ByProvider:   make(map[string]float64, len(r.cost.ByProvider)),
		ByTaskType:   make(map[string]float64, len(r.cost.ByTaskType)),
	}
	for k, v := range r.cost.ByProvider {
		snap.ByProvider[k] = v
	}
	for k, v := range r.cost.ByTaskType {
		snap.ByTaskType[k] = v
	}
	return snap
}

// EmbedTexts dispatches to the named provider's driver, returning a
// ValidationError if it is unregistered or not embedding-capable.
func (r *Router) EmbedTexts(ctx context.Context, provider, model string, texts []string) ([][]float64, error) {
	r.mu.RLock()
	driver, ok := r.drivers[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, &coreerrors.ValidationError{Field: "provider", Reason: fmt.Sprintf("no driver registered for %q", provider)}
	}
	ed, ok := driver.(EmbeddingCapableDriver)
	if !ok {
		return nil, &coreerrors.ValidationError{Field: "provider", Reason: fmt.Sprintf("%q does not support embeddings", provider)}
	}
	return ed.Embed(ctx, model, texts)
}

// BreakerState exposes a provider's breaker state for diagnostics.
func (r *Router) BreakerState(provider string) circuitbreaker.State {
	return r.breakerFor(provider).State()
}
