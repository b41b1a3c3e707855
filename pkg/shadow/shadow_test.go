package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gravitas/pkg/statebus"
	"gravitas/pkg/store/pgfake"
)

func TestLinearAccuracy(t *testing.T) {
	tests := []struct {
		name            string
		expected, delta float64
		want            float64
	}{
		{name: "exact", expected: 200, delta: 0, want: 100},
		{name: "ten percent slow", expected: 200, delta: 20, want: 90},
		{name: "ten percent fast", expected: 200, delta: -20, want: 90},
		{name: "zero expected exact", expected: 0, delta: 0, want: 100},
		{name: "zero expected miss", expected: 0, delta: 5, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, LinearAccuracy(tt.expected, tt.delta), 1e-9)
		})
	}
}

func TestDecisionThenOutcome(t *testing.T) {
	db := &pgfake.DB{}
	r := New(Options{Store: &PostgresStore{DB: db}})
	ctx := context.Background()

	id := r.LogRoutingDecision(ctx, 4, Telemetry{AvgLatencyMs: 100}, Decision{Tier: "L2", Model: "m"})
	require.NotEmpty(t, id)
	e, ok := r.GetEntry(id)
	require.True(t, ok)
	assert.Nil(t, e.Performance)
	assert.Equal(t, 1, db.ExecCount())

	require.True(t, r.LogActualPerformance(ctx, id, Performance{LatencyMs: 100, Success: true, Cost: 0.5}))
	e, _ = r.GetEntry(id)
	require.NotNil(t, e.Deviation)
	assert.Equal(t, 100.0, e.Deviation.PredictionAccuracyPercent)
	assert.Equal(t, 0.0, e.Deviation.LatencyDeltaMs)
	assert.Equal(t, 2, db.ExecCount())
	assert.Contains(t, db.LastExec().SQL, "UPDATE routing_audit")
}

func TestAccuracyClamped(t *testing.T) {
	r := New(Options{})
	ctx := context.Background()
	id := r.LogRoutingDecision(ctx, 1, Telemetry{AvgLatencyMs: 50}, Decision{Tier: "L1"})
	r.LogActualPerformance(ctx, id, Performance{LatencyMs: 500})
	e, _ := r.GetEntry(id)
	assert.Equal(t, 0.0, e.Deviation.PredictionAccuracyPercent)

	generous := New(Options{Accuracy: func(float64, float64) float64 { return 250 }})
	id = generous.LogRoutingDecision(ctx, 1, Telemetry{}, Decision{Tier: "L1"})
	generous.LogActualPerformance(ctx, id, Performance{})
	e, _ = generous.GetEntry(id)
	assert.Equal(t, 100.0, e.Deviation.PredictionAccuracyPercent)

	nan := New(Options{Accuracy: func(float64, float64) float64 { return math.NaN() }})
	id = nan.LogRoutingDecision(ctx, 1, Telemetry{}, Decision{Tier: "L1"})
	nan.LogActualPerformance(ctx, id, Performance{})
	e, _ = nan.GetEntry(id)
	assert.Equal(t, 0.0, e.Deviation.PredictionAccuracyPercent)
}

func TestUnknownRequestIsNoop(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	db := &pgfake.DB{}
	r := New(Options{Store: &PostgresStore{DB: db}, Logger: log})
	assert.False(t, r.LogActualPerformance(context.Background(), "missing", Performance{LatencyMs: 1}))
	assert.Zero(t, r.Len())
	assert.Zero(t, db.ExecCount())
	assert.Equal(t, "performance for unknown request", hook.LastEntry().Message)
}

func TestStoreFailureDoesNotSurface(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	r := New(Options{Store: &PostgresStore{DB: &pgfake.DB{ExecErr: errors.New("down")}}, Logger: log})
	id := r.LogRoutingDecision(context.Background(), 1, Telemetry{}, Decision{Tier: "L1"})
	_, ok := r.GetEntry(id)
	assert.True(t, ok)
	assert.Equal(t, "shadow audit persistence failed", hook.LastEntry().Message)
}

func TestTierStatisticsAndRecent(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	r := New(Options{Now: clock})
	ctx := context.Background()
	a := r.LogRoutingDecision(ctx, 1, Telemetry{AvgLatencyMs: 10}, Decision{Tier: "L1"})
	b := r.LogRoutingDecision(ctx, 1, Telemetry{AvgLatencyMs: 10}, Decision{Tier: "L1"})
	r.LogRoutingDecision(ctx, 1, Telemetry{AvgLatencyMs: 10}, Decision{Tier: "L1"})
	c := r.LogRoutingDecision(ctx, 1, Telemetry{AvgLatencyMs: 10}, Decision{Tier: "L3"})
	r.LogActualPerformance(ctx, a, Performance{LatencyMs: 10, Cost: 1, Success: true})
	r.LogActualPerformance(ctx, b, Performance{LatencyMs: 30, Cost: 2, Success: false})
	r.LogActualPerformance(ctx, c, Performance{LatencyMs: 5, Cost: 9, Success: true})

	st := r.TierStatistics("L1")
	assert.Equal(t, 2, st.TotalRequests)
	assert.Equal(t, 20.0, st.AvgLatencyMs)
	assert.Equal(t, 3.0, st.TotalCost)
	assert.Equal(t, 50.0, st.SuccessRate)
	assert.Equal(t, TierStats{}, r.TierStatistics("L2"))

	recent := r.RecentEntries(2)
	require.Len(t, recent, 2)
	assert.Equal(t, c, recent[0].RequestID)
}

func TestCleanupOlderThan(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	db := &pgfake.DB{Tag: "DELETE 1"}
	r := New(Options{Now: clock, Store: &PostgresStore{DB: db}})
	ctx := context.Background()
	r.LogRoutingDecision(ctx, 1, Telemetry{}, Decision{Tier: "L1"})
	now = now.Add(61 * 24 * time.Hour)
	fresh := r.LogRoutingDecision(ctx, 1, Telemetry{}, Decision{Tier: "L1"})

	assert.Equal(t, 1, r.CleanupOlderThan(ctx, 0))
	assert.Equal(t, 1, r.Len())
	_, ok := r.GetEntry(fresh)
	assert.True(t, ok)
	assert.Contains(t, db.LastExec().SQL, "DELETE FROM routing_audit")
}

func TestFeedKeepsLatestTelemetry(t *testing.T) {
	r := New(Options{})
	c := statebus.NewChanConsumer(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Feed(ctx, c) }()

	_, ok := r.Latest()
	assert.False(t, ok)
	first, _ := json.Marshal(Telemetry{AvgLatencyMs: 10})
	second, _ := json.Marshal(Telemetry{AvgLatencyMs: 20, VRAMUsagePercent: 55})
	require.True(t, c.Send(ctx, statebus.Message{Value: first}))
	require.True(t, c.Send(ctx, statebus.Message{Value: []byte("not json")}))
	require.True(t, c.Send(ctx, statebus.Message{Value: second}))

	require.Eventually(t, func() bool {
		t, ok := r.Latest()
		return ok && t.AvgLatencyMs == 20
	}, 2*time.Second, 5*time.Millisecond)

	_ = c.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, statebus.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}
