// Package metrics keeps the gateway's in-process counters and exposes them
// as JSON and in the Prometheus text format.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// Registry is safe for concurrent use. Two-label counters are keyed "a|b".
type Registry struct {
	mu             sync.Mutex
	endpoints      map[string]*EndpointStat
	decisions      map[string]int64
	certifications map[string]int64
	breaker        map[string]int64
	dispatch       map[string]int64
	gauges         map[string]float64
	lockSwitches   int64
	latencies      map[string]*latency
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt    time.Time               `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Decisions      map[string]int64        `json:"decisions"`
	Certifications map[string]int64        `json:"certifications"`
	Breaker        map[string]int64        `json:"breaker_transitions"`
	Dispatch       map[string]int64        `json:"dispatch"`
	Gauges         map[string]float64      `json:"gauges"`
	LockSwitches   int64                   `json:"lock_switches_total"`
	Latencies      []LatencySnapshot       `json:"latencies,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoints:      map[string]*EndpointStat{},
		decisions:      map[string]int64{},
		certifications: map[string]int64{},
		breaker:        map[string]int64{},
		dispatch:       map[string]int64{},
		gauges:         map[string]float64{},
		latencies:      map[string]*latency{},
	}
}

// Observe records one served request against its route pattern.
func (r *Registry) Observe(route string, status int, d time.Duration) {
	ms := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.endpoints[route]
	if st == nil {
		st = &EndpointStat{}
		r.endpoints[route] = st
	}
	st.Count++
	if status >= 400 {
		st.ErrorCount++
	}
	st.TotalMillis += ms
	st.MaxMillis = max(st.MaxMillis, ms)
	st.LastStatusCode = status
	st.AverageMillis = float64(st.TotalMillis) / float64(st.Count)
}

// ObserveLatency adds d to the named latency histogram.
func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.mu.Lock()
	l := r.latencies[name]
	if l == nil {
		l = newLatency(boundsFor(name))
		r.latencies[name] = l
	}
	r.mu.Unlock()
	l.observe(d)
}

// IncDecision counts an authorization outcome by result and reason code.
func (r *Registry) IncDecision(result, reason string) { r.inc(r.decisions, result, reason) }

// IncCertification counts certification attempts by outcome and the phase
// that decided them.
func (r *Registry) IncCertification(passed bool, phase string) {
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	r.inc(r.certifications, outcome, phase)
}

func (r *Registry) IncBreakerTransition(from, to string) { r.inc(r.breaker, from, to) }

func (r *Registry) IncDispatch(unit, outcome string) { r.inc(r.dispatch, unit, outcome) }

func (r *Registry) IncLockSwitch() {
	r.mu.Lock()
	r.lockSwitches++
	r.mu.Unlock()
}

// inc drops samples without a first label; an empty second label counts
// as UNKNOWN.
func (r *Registry) inc(m map[string]int64, a, b string) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" {
		return
	}
	if b == "" {
		b = "UNKNOWN"
	}
	r.mu.Lock()
	m[a+"|"+b]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, v float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = v
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	s := Snapshot{
		GeneratedAt:    time.Now().UTC(),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoints)),
		Decisions:      maps.Clone(r.decisions),
		Certifications: maps.Clone(r.certifications),
		Breaker:        maps.Clone(r.breaker),
		Dispatch:       maps.Clone(r.dispatch),
		Gauges:         maps.Clone(r.gauges),
		LockSwitches:   r.lockSwitches,
	}
	for k, v := range r.endpoints {
		s.Endpoints[k] = *v
	}
	lats := maps.Clone(r.latencies)
	r.mu.Unlock()

	for _, name := range slices.Sorted(maps.Keys(lats)) {
		s.Latencies = append(s.Latencies, lats[name].snapshot(name))
	}
	return s
}

// Handler serves the snapshot as indented JSON.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

// PrometheusHandler serves the text exposition format, version 0.0.4.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Snapshot().WritePrometheus(w)
	}
}

// WritePrometheus renders every family with labels in sorted order.
func (s Snapshot) WritePrometheus(w io.Writer) {
	p := promWriter{w: w}
	routes := slices.Sorted(maps.Keys(s.Endpoints))

	p.family("gravitas_endpoint_count", "counter", "requests served by route")
	for _, ep := range routes {
		p.sample("gravitas_endpoint_count", fmt.Sprint(s.Endpoints[ep].Count), "endpoint", ep)
	}
	p.family("gravitas_endpoint_error_count", "counter", "responses with status >= 400 by route")
	for _, ep := range routes {
		p.sample("gravitas_endpoint_error_count", fmt.Sprint(s.Endpoints[ep].ErrorCount), "endpoint", ep)
	}
	p.family("gravitas_endpoint_max_millis", "gauge", "slowest response by route")
	for _, ep := range routes {
		p.sample("gravitas_endpoint_max_millis", fmt.Sprint(s.Endpoints[ep].MaxMillis), "endpoint", ep)
	}

	p.pairs("gravitas_decision_total", "authorization decisions", "result", "reason", s.Decisions)
	p.pairs("gravitas_certification_total", "certification attempts", "outcome", "phase", s.Certifications)
	p.pairs("gravitas_breaker_transition_total", "gatekeeper breaker transitions", "from", "to", s.Breaker)
	p.pairs("gravitas_dispatch_total", "dispatched tasks", "unit", "outcome", s.Dispatch)

	p.family("gravitas_lock_switches_total", "counter", "hot unit switches")
	p.sample("gravitas_lock_switches_total", fmt.Sprint(s.LockSwitches))

	p.family("gravitas_gauge", "gauge", "operational gauges")
	for _, name := range slices.Sorted(maps.Keys(s.Gauges)) {
		p.sample("gravitas_gauge", fmt.Sprintf("%g", s.Gauges[name]), "name", name)
	}

	if len(s.Latencies) > 0 {
		p.family("gravitas_latency_seconds", "histogram", "operation latency")
	}
	for _, l := range s.Latencies {
		for i, le := range l.Bounds {
			p.sample("gravitas_latency_seconds_bucket", fmt.Sprint(l.Cumulative[i]), "name", l.Name, "le", fmt.Sprintf("%g", le))
		}
		p.sample("gravitas_latency_seconds_bucket", fmt.Sprint(l.Count), "name", l.Name, "le", "+Inf")
		p.sample("gravitas_latency_seconds_sum", fmt.Sprintf("%g", l.Sum), "name", l.Name)
		p.sample("gravitas_latency_seconds_count", fmt.Sprint(l.Count), "name", l.Name)
	}
}

type promWriter struct{ w io.Writer }

func (p promWriter) family(name, typ, help string) {
	fmt.Fprintf(p.w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

// sample writes name{k1="v1",...} value. labels alternate key and value.
func (p promWriter) sample(name, value string, labels ...string) {
	var b strings.Builder
	b.WriteString(name)
	for i := 0; i+1 < len(labels); i += 2 {
		if i == 0 {
			b.WriteByte('{')
		} else {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", labels[i], labels[i+1])
	}
	if len(labels) > 1 {
		b.WriteByte('}')
	}
	fmt.Fprintf(p.w, "%s %s\n", b.String(), value)
}

func (p promWriter) pairs(name, help, labelA, labelB string, counts map[string]int64) {
	p.family(name, "counter", help)
	for _, key := range slices.Sorted(maps.Keys(counts)) {
		a, b, _ := strings.Cut(key, "|")
		p.sample(name, fmt.Sprint(counts[key]), labelA, a, labelB, b)
	}
}
