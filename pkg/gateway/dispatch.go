package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"gravitas/pkg/scheduler"
	"gravitas/pkg/shadow"
	"gravitas/pkg/store"
	"gravitas/pkg/stream"
	"gravitas/pkg/telemetry"
	"gravitas/pkg/unit"
)

// HotUnitKey is the cache key mirroring the resource lock holder.
const HotUnitKey = "gravitas:lock:hot"

// Task is one queued unit invocation. Unit is a registry reference
// ("name" or "name@version"); Identity is the caller that enqueued it.
type Task struct {
	ID         string         `json:"id"`
	Identity   string         `json:"identity,omitempty"`
	Unit       string         `json:"unit"`
	Prompt     string         `json:"prompt"`
	Payload    map[string]any `json:"payload,omitempty"`
	Complexity int            `json:"complexity,omitempty"`
}

// DispatchResult describes one executed task.
type DispatchResult struct {
	TaskID    string         `json:"task_id"`
	Unit      string         `json:"unit"`
	SessionID string         `json:"session_id"`
	Switched  bool           `json:"switched"`
	RequestID string         `json:"request_id,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	LatencyMs float64        `json:"latency_ms"`
}

type hotState struct {
	Unit  string    `json:"unit"`
	Since time.Time `json:"since"`
}

func (g *Gateway) Enqueue(task Task, priority int) scheduler.Item[Task] {
	task = normalizeTask(task)
	item := g.queue.Enqueue(task, priority)
	g.metrics.SetGauge("queue_size", float64(g.queue.Size()))
	return item
}

func (g *Gateway) PushToFront(task Task) scheduler.Item[Task] {
	task = normalizeTask(task)
	item := g.queue.PushToFront(task)
	g.metrics.SetGauge("queue_size", float64(g.queue.Size()))
	return item
}

func (g *Gateway) Dequeue(ctx context.Context) (scheduler.Item[Task], error) {
	return g.queue.Dequeue(ctx)
}

func (g *Gateway) TryDequeue() (scheduler.Item[Task], bool) {
	return g.queue.TryDequeue()
}

func (g *Gateway) QueueSize() int { return g.queue.Size() }

// HotUnit reports the model currently holding the resource lock.
func (g *Gateway) HotUnit() (string, bool) { return g.lock.Current() }

func normalizeTask(t Task) Task {
	t.Unit = strings.TrimSpace(t.Unit)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return t
}

// Dispatch waits for the next task and runs it. Execution errors are
// reported in the result; the returned error is only for queue waits and
// unresolvable tasks.
func (g *Gateway) Dispatch(ctx context.Context) (DispatchResult, error) {
	item, err := g.queue.Dequeue(ctx)
	if err != nil {
		return DispatchResult{}, err
	}
	g.metrics.SetGauge("queue_size", float64(g.queue.Size()))
	return g.run(ctx, item.Value)
}

func (g *Gateway) run(ctx context.Context, task Task) (res DispatchResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.dispatch",
		attribute.String("gravitas.task_id", task.ID),
		attribute.String("gravitas.unit", task.Unit),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	res = DispatchResult{TaskID: task.ID, Unit: task.Unit}
	if task.Unit == "" {
		g.metrics.IncDispatch("unknown", "rejected")
		return res, ErrUnknownTask
	}
	spec, err := g.registry.Resolve(task.Unit)
	if err != nil {
		g.metrics.IncDispatch(task.Unit, "unresolved")
		return res, fmt.Errorf("dispatch %s: %w", task.ID, err)
	}
	res.Unit = spec.Name

	hot := spec.Model
	if hot == "" {
		hot = spec.Name
	}
	if g.lock.NeedsSwitch(hot) {
		res.Switched = true
		g.metrics.IncLockSwitch()
	}
	prev, had := g.lock.SetHot(hot)
	if res.Switched {
		g.hub.Emit(stream.TypeLockSwitch, map[string]string{"from": prev, "to": hot})
		g.log.WithFields(logrus.Fields{"from": prev, "to": hot, "had_previous": had}).Info("resource lock switched")
	}
	g.mirrorHot(ctx, hot)

	requestID := ""
	if tel, ok := g.shadow.Latest(); ok {
		requestID = g.shadow.LogRoutingDecision(ctx, task.Complexity, tel, shadow.Decision{
			Tier:                spec.Tier,
			Model:               spec.Model,
			Reasoning:           "dispatch " + spec.Ref(),
			ComplexityEstimated: task.Complexity,
		})
	}
	res.RequestID = requestID

	res.SessionID = uuid.NewString()
	u := spec.New(unit.Config{
		Identity:   spec.Name,
		SessionID:  res.SessionID,
		Model:      spec.Model,
		Tier:       spec.Tier,
		JournalDir: g.journalDir,
		Gate:       g,
		Logger:     g.log,
	})
	payload := unit.Task{}
	for k, v := range task.Payload {
		payload[k] = v
	}
	if task.Prompt != "" {
		payload["prompt"] = task.Prompt
	}

	start := time.Now()
	out, execErr := unit.Execute(ctx, u, payload)
	elapsed := time.Since(start)
	res.LatencyMs = float64(elapsed.Microseconds()) / 1000
	g.metrics.ObserveLatency("dispatch", elapsed)

	perf := shadow.Performance{LatencyMs: res.LatencyMs, Success: execErr == nil}
	if execErr != nil {
		res.Error = execErr.Error()
		perf.Error = execErr.Error()
		outcome := "failed"
		if errors.Is(execErr, unit.ErrSessionRejected) {
			outcome = "rejected"
		}
		g.metrics.IncDispatch(spec.Name, outcome)
	} else {
		res.Output = out
		perf.TokensGenerated = intValue(out["tokens"])
		g.metrics.IncDispatch(spec.Name, "succeeded")
	}
	if requestID != "" {
		g.shadow.LogActualPerformance(ctx, requestID, perf)
	}
	g.log.WithFields(logrus.Fields{
		"task_id":    task.ID,
		"unit":       spec.Ref(),
		"session_id": res.SessionID,
		"latency_ms": res.LatencyMs,
	}).Info("task dispatched")
	return res, nil
}

// Serve runs workers dispatch loops until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				res, err := g.Dispatch(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					g.log.WithError(err).WithField("worker", worker).Warn("dispatch failed")
					continue
				}
				if res.Error != "" {
					g.log.WithFields(logrus.Fields{"worker": worker, "task_id": res.TaskID}).Warn("task failed: " + res.Error)
				}
			}
		}(i)
	}
	wg.Wait()
}

func (g *Gateway) mirrorHot(ctx context.Context, hot string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := store.SetJSON(ctx, g.cache, HotUnitKey, hotState{Unit: hot, Since: g.now()}, 0); err != nil {
		g.log.WithError(err).Warn("mirror hot unit")
	}
}

// restoreHot seeds the lock from the cache so a restart keeps the last
// loaded model warm.
func (g *Gateway) restoreHot() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var st hotState
	if err := store.GetJSON(ctx, g.cache, HotUnitKey, &st); err != nil {
		if !store.IsMiss(err) {
			g.log.WithError(err).Warn("restore hot unit")
		}
		return
	}
	if st.Unit != "" {
		g.lock.SetHot(st.Unit)
	}
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
