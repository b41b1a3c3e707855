// Package scheduler orders pending work and tracks which unit currently
// holds the shared, switch-costly resource.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
)

const (
	DefaultPriority = 10
	FrontPriority   = -1
)

// Item is a queued value. Lower Priority is served first; Seq breaks ties
// in arrival order.
type Item[T any] struct {
	Value    T
	Priority int
	Seq      uint64
}

type itemHeap[T any] []Item[T]

func (h itemHeap[T]) Len() int { return len(h) }
func (h itemHeap[T]) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}
func (h itemHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap[T]) Push(x any)   { *h = append(*h, x.(Item[T])) }
func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	var zero Item[T]
	old[n-1] = zero
	*h = old[:n-1]
	return it
}

// Queue is a concurrency-safe priority queue.
type Queue[T any] struct {
	mu     sync.Mutex
	items  itemHeap[T]
	seq    uint64
	notify chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

func (q *Queue[T]) Enqueue(v T, priority int) Item[T] {
	q.mu.Lock()
	q.seq++
	it := Item[T]{Value: v, Priority: priority, Seq: q.seq}
	heap.Push(&q.items, it)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return it
}

// PushToFront queues v ahead of everything at priority zero or above.
func (q *Queue[T]) PushToFront(v T) Item[T] {
	return q.Enqueue(v, FrontPriority)
}

func (q *Queue[T]) TryDequeue() (Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero Item[T]
		return zero, false
	}
	return heap.Pop(&q.items).(Item[T]), true
}

// Dequeue blocks until an item is available or ctx is done.
func (q *Queue[T]) Dequeue(ctx context.Context) (Item[T], error) {
	for {
		if it, ok := q.TryDequeue(); ok {
			if q.Size() > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return it, nil
		}
		select {
		case <-ctx.Done():
			var zero Item[T]
			return zero, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) Empty() bool { return q.Size() == 0 }
