package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"gravitas/pkg/logging"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultQueryLimit   = 100
)

type Options struct {
	// Store may be nil; events are then only logged and published.
	Store      Store
	Publishers []Publisher
	// MaxPending bounds the buffer. Zero means unbounded.
	MaxPending   int
	WriteTimeout time.Duration
	Logger       logrus.FieldLogger
	Now          func() time.Time
}

// Log buffers events in memory and drains them to the store from a single
// worker in arrival order. Delivery is at most once.
type Log struct {
	store        Store
	publishers   []Publisher
	maxPending   int
	writeTimeout time.Duration
	log          logrus.FieldLogger
	now          func() time.Time

	mu      sync.Mutex
	buf     []Event
	pending int
	drained chan struct{}
	closed  bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	dropped  atomic.Int64
	failed   atomic.Int64
	dropWarn rate.Sometimes
}

func New(opts Options) *Log {
	l := &Log{
		store:        opts.Store,
		publishers:   opts.Publishers,
		maxPending:   opts.MaxPending,
		writeTimeout: opts.WriteTimeout,
		log:          logging.OrDiscard(opts.Logger),
		now:          opts.Now,
		drained:      closedChan(),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		dropWarn:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if l.writeTimeout <= 0 {
		l.writeTimeout = DefaultWriteTimeout
	}
	if l.now == nil {
		l.now = time.Now
	}
	go l.run()
	return l
}

// LogEvent stamps and queues ev. It never blocks on storage.
func (l *Log) LogEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	l.log.WithField("audit_id", ev.ID).Infof("AUDIT: [%s] identity=%s action=%s resource=%s reason=%s",
		ev.Result, ev.Identity, ev.Action, ev.Resource, ev.Reason)

	l.mu.Lock()
	if l.closed || (l.maxPending > 0 && len(l.buf) >= l.maxPending) {
		closed := l.closed
		l.mu.Unlock()
		n := l.dropped.Add(1)
		l.dropWarn.Do(func() {
			l.log.WithFields(logrus.Fields{"dropped_total": n, "closed": closed}).Warn("audit event dropped")
		})
		return
	}
	if l.pending == 0 {
		l.drained = make(chan struct{})
	}
	l.buf = append(l.buf, ev)
	l.pending++
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Flush waits until every event queued so far has been handled.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	ch := l.drained
	l.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop flushes, refuses further events and ends the worker.
func (l *Log) Stop(ctx context.Context) error {
	err := l.Flush(ctx)
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.stop)
	})
	if err != nil {
		return err
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Log) QueryEvents(ctx context.Context, identity string, limit int) ([]Event, error) {
	if l.store == nil {
		return nil, ErrNoStore
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	return l.store.Query(ctx, identity, limit)
}

// Prune deletes persisted events older than before.
func (l *Log) Prune(ctx context.Context, before time.Time) (int64, error) {
	if l.store == nil {
		return 0, ErrNoStore
	}
	return l.store.DeleteBefore(ctx, before)
}

func (l *Log) Dropped() int64 { return l.dropped.Load() }

// Failed counts events the store rejected.
func (l *Log) Failed() int64 { return l.failed.Load() }

func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

func (l *Log) run() {
	defer close(l.done)
	for {
		ev, ok := l.next()
		if !ok {
			return
		}
		l.handle(ev)
		l.mu.Lock()
		l.pending--
		if l.pending == 0 {
			close(l.drained)
		}
		l.mu.Unlock()
	}
}

func (l *Log) next() (Event, bool) {
	for {
		l.mu.Lock()
		if len(l.buf) > 0 {
			ev := l.buf[0]
			l.buf[0] = Event{}
			l.buf = l.buf[1:]
			l.mu.Unlock()
			return ev, true
		}
		l.mu.Unlock()
		select {
		case <-l.wake:
		case <-l.stop:
			l.mu.Lock()
			empty := len(l.buf) == 0
			l.mu.Unlock()
			if empty {
				return Event{}, false
			}
		}
	}
}

func (l *Log) handle(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()
	if l.store != nil {
		if err := l.store.Insert(ctx, ev); err != nil {
			l.failed.Add(1)
			l.log.WithError(err).WithField("audit_id", ev.ID).Error("audit write failed, event dropped")
			return
		}
	}
	for _, p := range l.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			l.log.WithError(err).WithField("audit_id", ev.ID).Warn("audit publish failed")
		}
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
