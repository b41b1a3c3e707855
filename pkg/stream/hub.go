// Package stream fans gateway events out to live websocket subscribers.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeAudit          = "audit"
	TypeSessionStarted = "session.started"
	TypeSessionEnded   = "session.ended"
	TypeCertification  = "certification"
	TypeLockSwitch     = "lock.switch"
	TypeBreaker        = "breaker.state"
	TypeReady          = "ready"
)

// Event is what subscribers receive. Seq increases by one per published
// event, so a gap tells a subscriber it missed something.
type Event struct {
	Seq  uint64          `json:"seq,omitempty"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data as the payload. Unencodable data is dropped.
func NewEvent(eventType string, data any) Event {
	evt := Event{Type: eventType, At: time.Now().UTC()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			evt.Data = raw
		}
	}
	return evt
}

// Hub never blocks a publisher: a subscriber whose buffer is full misses
// the event and the miss is counted.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	seq     atomic.Uint64
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

// Subscription delivers on C until Close, which also closes C.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	types map[string]bool
	hub   *Hub
	once  sync.Once
}

// Subscribe registers a buffered subscriber. With no types every event is
// delivered.
func (h *Hub) Subscribe(buffer int, types ...string) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, hub: h}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Close is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

func (h *Hub) Publish(evt Event) {
	evt.Seq = h.seq.Add(1)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.types != nil && !s.types[evt.Type] {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Emit is Publish(NewEvent(eventType, data)).
func (h *Hub) Emit(eventType string, data any) {
	h.Publish(NewEvent(eventType, data))
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }
