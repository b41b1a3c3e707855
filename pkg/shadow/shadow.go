// Package shadow keeps a passive record of routing decisions and how the
// routed requests actually performed, for later tuning and cost analysis.
package shadow

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gravitas/pkg/logging"
)

const DefaultRetentionDays = 60

type Telemetry struct {
	VRAMUsagePercent  float64   `json:"vram_usage_percent"`
	SystemLoadPercent float64   `json:"system_load_percent"`
	AvgLatencyMs      float64   `json:"avg_latency_ms"`
	Timestamp         time.Time `json:"timestamp"`
}

type Decision struct {
	Tier                string `json:"tier"`
	Model               string `json:"model"`
	Reasoning           string `json:"reasoning,omitempty"`
	ComplexityEstimated int    `json:"complexity_estimated"`
}

type Performance struct {
	LatencyMs       float64 `json:"latency_ms"`
	TokensGenerated int     `json:"tokens_generated"`
	Success         bool    `json:"success"`
	Cost            float64 `json:"cost"`
	Error           string  `json:"error,omitempty"`
}

type Deviation struct {
	ExpectedLatencyMs         float64 `json:"expected_latency_ms"`
	LatencyDeltaMs            float64 `json:"latency_delta_ms"`
	PredictionAccuracyPercent float64 `json:"prediction_accuracy_percent"`
}

// Entry pairs a routing decision with its later outcome.
type Entry struct {
	RequestID   string       `json:"request_id"`
	Timestamp   time.Time    `json:"timestamp"`
	Complexity  int          `json:"complexity_estimated"`
	Telemetry   Telemetry    `json:"telemetry_snapshot"`
	Decision    Decision     `json:"routing_decision"`
	Performance *Performance `json:"actual_performance"`
	Deviation   *Deviation   `json:"deviation"`
}

type TierStats struct {
	TotalRequests int     `json:"total_requests"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	TotalCost     float64 `json:"total_cost"`
	SuccessRate   float64 `json:"success_rate"`
}

// AccuracyFunc scores a prediction given the expected latency and the
// observed delta. Results are clamped to [0,100] by the caller.
type AccuracyFunc func(expected, delta float64) float64

// LinearAccuracy loses one point per percent of relative error.
func LinearAccuracy(expected, delta float64) float64 {
	if expected > 0 {
		return 100 * (1 - math.Abs(delta)/expected)
	}
	if delta == 0 {
		return 100
	}
	return 0
}

// Store persists entries. Errors never reach the caller of the recorder.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Update(ctx context.Context, e Entry) error
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

type Options struct {
	Store    Store
	Accuracy AccuracyFunc
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

type Recorder struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	store    Store
	accuracy AccuracyFunc
	log      logrus.FieldLogger
	now      func() time.Time

	latestMu sync.RWMutex
	latest   *Telemetry
}

func New(opts Options) *Recorder {
	r := &Recorder{
		entries:  map[string]*Entry{},
		store:    opts.Store,
		accuracy: opts.Accuracy,
		log:      logging.OrDiscard(opts.Logger),
		now:      opts.Now,
	}
	if r.accuracy == nil {
		r.accuracy = LinearAccuracy
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// LogRoutingDecision records the decision half of an entry and returns its
// fresh request id.
func (r *Recorder) LogRoutingDecision(ctx context.Context, complexity int, telemetry Telemetry, decision Decision) string {
	e := Entry{
		RequestID:  uuid.NewString(),
		Timestamp:  r.now().UTC(),
		Complexity: complexity,
		Telemetry:  telemetry,
		Decision:   decision,
	}
	if e.Telemetry.Timestamp.IsZero() {
		e.Telemetry.Timestamp = e.Timestamp
	}
	r.mu.Lock()
	r.entries[e.RequestID] = &e
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"request_id": e.RequestID,
		"tier":       decision.Tier,
		"model":      decision.Model,
		"complexity": complexity,
	}).Info("routing decision recorded")
	r.persist(ctx, e, false)
	return e.RequestID
}

// LogActualPerformance completes an entry. Unknown ids are logged and
// reported as false.
func (r *Recorder) LogActualPerformance(ctx context.Context, requestID string, perf Performance) bool {
	r.mu.Lock()
	e, ok := r.entries[requestID]
	if !ok {
		r.mu.Unlock()
		r.log.WithField("request_id", requestID).Warn("performance for unknown request")
		return false
	}
	expected := e.Telemetry.AvgLatencyMs
	delta := perf.LatencyMs - expected
	p := perf
	e.Performance = &p
	e.Deviation = &Deviation{
		ExpectedLatencyMs:         expected,
		LatencyDeltaMs:            delta,
		PredictionAccuracyPercent: clamp(r.accuracy(expected, delta), 0, 100),
	}
	snapshot := cloneEntry(e)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"latency_ms": perf.LatencyMs,
		"tokens":     perf.TokensGenerated,
		"cost":       perf.Cost,
	}).Info("request completed")
	r.persist(ctx, snapshot, true)
	return true
}

func (r *Recorder) GetEntry(requestID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[requestID]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(e), true
}

// RecentEntries returns up to limit entries, newest first.
func (r *Recorder) RecentEntries(limit int) []Entry {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, cloneEntry(e))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TierStatistics aggregates completed entries routed to tier.
func (r *Recorder) TierStatistics(tier string) TierStats {
	var st TierStats
	var latency float64
	var successes int
	r.mu.RLock()
	for _, e := range r.entries {
		if e.Decision.Tier != tier || e.Performance == nil {
			continue
		}
		st.TotalRequests++
		latency += e.Performance.LatencyMs
		st.TotalCost += e.Performance.Cost
		if e.Performance.Success {
			successes++
		}
	}
	r.mu.RUnlock()
	if st.TotalRequests == 0 {
		return st
	}
	n := float64(st.TotalRequests)
	st.AvgLatencyMs = latency / n
	st.SuccessRate = float64(successes) / n * 100
	return st
}

// CleanupOlderThan drops entries older than days from memory and the
// store. days <= 0 means the default retention.
func (r *Recorder) CleanupOlderThan(ctx context.Context, days int) int {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	cutoff := r.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	r.mu.Lock()
	removed := 0
	for id, e := range r.entries {
		if e.Timestamp.Before(cutoff) {
			delete(r.entries, id)
			removed++
		}
	}
	r.mu.Unlock()
	if r.store != nil {
		if _, err := r.store.DeleteBefore(ctx, cutoff); err != nil {
			r.log.WithError(err).Warn("shadow audit cleanup failed")
		}
	}
	if removed > 0 {
		r.log.WithFields(logrus.Fields{"removed": removed, "days": days}).Info("shadow audit cleanup")
	}
	return removed
}

func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Recorder) persist(ctx context.Context, e Entry, update bool) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	var err error
	if update {
		err = r.store.Update(ctx, e)
	} else {
		err = r.store.Insert(ctx, e)
	}
	if err != nil {
		r.log.WithError(err).WithField("request_id", e.RequestID).Warn("shadow audit persistence failed")
	}
}

func cloneEntry(e *Entry) Entry {
	out := *e
	if e.Performance != nil {
		p := *e.Performance
		out.Performance = &p
	}
	if e.Deviation != nil {
		d := *e.Deviation
		out.Deviation = &d
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
