package pricing

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ReliabilityStats summarizes how a source has behaved since the last reset.
type ReliabilityStats struct {
	Attempts     int64         `json:"attempts"`
	Successes    int64         `json:"successes"`
	Failures     int64         `json:"failures"`
	SuccessRate  float64       `json:"success_rate"`
	AvgLatency   time.Duration `json:"-"`
	AvgLatencyMS float64       `json:"avg_latency_ms"`
}

type reliabilityRecord struct {
	successes    atomic.Int64
	failures     atomic.Int64
	latencyNanos atomic.Int64
}

// Reliability keeps running counters per source. Counters are atomics, so
// observing one source never blocks another; the map lock is only taken for
// writing when an unknown source shows up.
type Reliability struct {
	mu      sync.RWMutex
	records map[string]*reliabilityRecord
}

// NewReliability pre-registers the given source names.
func NewReliability(names ...string) *Reliability {
	r := &Reliability{records: make(map[string]*reliabilityRecord, len(names))}
	for _, n := range names {
		r.records[n] = &reliabilityRecord{}
	}
	return r
}

func (r *Reliability) record(source string) *reliabilityRecord {
	r.mu.RLock()
	rec, ok := r.records[source]
	r.mu.RUnlock()
	if ok {
		return rec
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok = r.records[source]; !ok {
		rec = &reliabilityRecord{}
		r.records[source] = rec
	}
	return rec
}

// Observe records one real fetch attempt.
func (r *Reliability) Observe(source string, ok bool, latency time.Duration) {
	rec := r.record(source)
	if ok {
		rec.successes.Add(1)
	} else {
		rec.failures.Add(1)
	}
	rec.latencyNanos.Add(int64(latency))
}

// Stats returns the stats of one source.
func (r *Reliability) Stats(source string) ReliabilityStats {
	r.mu.RLock()
	rec, ok := r.records[source]
	r.mu.RUnlock()
	if !ok {
		return ReliabilityStats{}
	}
	return rec.stats()
}

func (rec *reliabilityRecord) stats() ReliabilityStats {
	s := rec.successes.Load()
	f := rec.failures.Load()
	lat := rec.latencyNanos.Load()
	out := ReliabilityStats{Attempts: s + f, Successes: s, Failures: f}
	if out.Attempts > 0 {
		out.SuccessRate = float64(s) / float64(out.Attempts)
		out.AvgLatency = time.Duration(lat / out.Attempts)
		out.AvgLatencyMS = float64(out.AvgLatency) / float64(time.Millisecond)
	}
	return out
}

// Report returns stats for every known source.
func (r *Reliability) Report() map[string]ReliabilityStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ReliabilityStats, len(r.records))
	for name, rec := range r.records {
		out[name] = rec.stats()
	}
	return out
}

// Names returns the registered source names, sorted.
func (r *Reliability) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.records))
	for n := range r.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reset zeroes every counter. Counters are never reset automatically.
func (r *Reliability) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		rec.successes.Store(0)
		rec.failures.Store(0)
		rec.latencyNanos.Store(0)
	}
}
