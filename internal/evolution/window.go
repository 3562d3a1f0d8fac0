// Package evolution tracks rolling performance windows per task type,
// the optional signal an Orchestrator can consult to favor routes or
// strategies that have recently performed well (Component table row 8
// of the design: "optional core").
package evolution

import (
	"sync"
	"time"
)

// Sample is one observed outcome.
type Sample struct {
	Success   bool
	LatencyMs int64
	CostUSD   float64
	At        time.Time
}

// Window holds a bounded trailing set of samples for one key (e.g. a
// task type or provider name) and derives simple rolling stats from it.
type Window struct {
	mu       sync.Mutex
	capacity int
	samples  []Sample
	head     int
	count    int
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 100
	}
	return &Window{capacity: capacity, samples: make([]Sample, capacity)}
}

func (w *Window) Record(s Sample) {
	if s.At.IsZero() {
		s.At = time.Now().UTC()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.head] = s
	w.head = (w.head + 1) % w.capacity
	if w.count < w.capacity {
		w.count++
	}
}

// Stats summarizes the window's current contents.
type Stats struct {
	SuccessRate  float64
	AvgLatencyMs float64
	AvgCostUSD   float64
	SampleCount  int
}

func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return Stats{}
	}
	var successes int
	var latencySum, costSum float64
	for i := 0; i < w.count; i++ {
		s := w.samples[i]
		if s.Success {
			successes++
		}
		latencySum += float64(s.LatencyMs)
		costSum += s.CostUSD
	}
	return Stats{
		SuccessRate:  float64(successes) / float64(w.count),
		AvgLatencyMs: latencySum / float64(w.count),
		AvgCostUSD:   costSum / float64(w.count),
		SampleCount:  w.count,
	}
}

// Tracker owns one Window per key, created lazily on first use.
type Tracker struct {
	mu       sync.Mutex
	capacity int
	windows  map[string]*Window
}

func NewTracker(capacityPerKey int) *Tracker {
	return &Tracker{capacity: capacityPerKey, windows: make(map[string]*Window)}
}

func (t *Tracker) windowFor(key string) *Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[key]
	if !ok {
		w = NewWindow(t.capacity)
		t.windows[key] = w
	}
	return w
}

func (t *Tracker) Record(key string, s Sample) {
	t.windowFor(key).Record(s)
}

func (t *Tracker) Stats(key string) Stats {
	return t.windowFor(key).Stats()
}

// Best returns the key with the highest success rate among those with
// at least minSamples observations, or ("", false) if none qualify.
func (t *Tracker) Best(keys []string, minSamples int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var bestKey string
	var bestRate float64 = -1
	found := false
	for _, k := range keys {
		w, ok := t.windows[k]
		if !ok {
			continue
		}
		stats := w.Stats()
		if stats.SampleCount < minSamples {
			continue
		}
		if stats.SuccessRate > bestRate {
			bestRate = stats.SuccessRate
			bestKey = k
			found = true
		}
	}
	return bestKey, found
}
