package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Bucket upper bounds in seconds. Executions and certification runs are
// orders of magnitude slower than a policy lookup.
var (
	FastBounds = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	SlowBounds = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}
)

func boundsFor(name string) []float64 {
	if strings.HasPrefix(name, "dispatch") || strings.HasPrefix(name, "certif") {
		return SlowBounds
	}
	return FastBounds
}

// latency keeps one count per bucket; the extra last slot is +Inf.
type latency struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	sum    float64
	n      int64
}

func newLatency(bounds []float64) *latency {
	return &latency{bounds: bounds, counts: make([]int64, len(bounds)+1)}
}

func (l *latency) observe(d time.Duration) {
	s := d.Seconds()
	i := sort.SearchFloat64s(l.bounds, s)
	l.mu.Lock()
	l.counts[i]++
	l.sum += s
	l.n++
	l.mu.Unlock()
}

// LatencySnapshot is cumulative like a Prometheus histogram: Cumulative[i]
// counts observations <= Bounds[i].
type LatencySnapshot struct {
	Name       string    `json:"name"`
	Bounds     []float64 `json:"bounds"`
	Cumulative []int64   `json:"cumulative"`
	Sum        float64   `json:"sum_seconds"`
	Count      int64     `json:"count"`
	P50        float64   `json:"p50_seconds"`
	P95        float64   `json:"p95_seconds"`
	P99        float64   `json:"p99_seconds"`
}

func (l *latency) snapshot(name string) LatencySnapshot {
	l.mu.Lock()
	counts := append([]int64(nil), l.counts...)
	s := LatencySnapshot{Name: name, Bounds: l.bounds, Sum: l.sum, Count: l.n}
	l.mu.Unlock()

	s.Cumulative = make([]int64, len(l.bounds))
	var run int64
	for i := range l.bounds {
		run += counts[i]
		s.Cumulative[i] = run
	}
	s.P50 = s.Quantile(0.50)
	s.P95 = s.Quantile(0.95)
	s.P99 = s.Quantile(0.99)
	return s
}

// Quantile interpolates linearly inside the bucket holding rank q*Count.
// Ranks beyond the last bound report the last bound.
func (s LatencySnapshot) Quantile(q float64) float64 {
	if s.Count == 0 || len(s.Bounds) == 0 {
		return 0
	}
	rank := q * float64(s.Count)
	i := sort.Search(len(s.Cumulative), func(i int) bool { return float64(s.Cumulative[i]) >= rank })
	if i == len(s.Cumulative) {
		return s.Bounds[len(s.Bounds)-1]
	}
	lo, below := 0.0, int64(0)
	if i > 0 {
		lo, below = s.Bounds[i-1], s.Cumulative[i-1]
	}
	inBucket := s.Cumulative[i] - below
	if inBucket == 0 {
		return s.Bounds[i]
	}
	return lo + (s.Bounds[i]-lo)*(rank-float64(below))/float64(inBucket)
}
