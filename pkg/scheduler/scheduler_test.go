package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func drain(q *Queue[string]) []string {
	var out []string
	for {
		it, ok := q.TryDequeue()
		if !ok {
			return out
		}
		out = append(out, it.Value)
	}
}

func TestQueueOrdering(t *testing.T) {
	tests := []struct {
		name  string
		setup func(q *Queue[string])
		want  []string
	}{
		{
			name: "front jumps equal priorities",
			setup: func(q *Queue[string]) {
				q.Enqueue("A", DefaultPriority)
				q.Enqueue("B", DefaultPriority)
				q.PushToFront("C")
			},
			want: []string{"C", "A", "B"},
		},
		{
			name: "fifo within priority",
			setup: func(q *Queue[string]) {
				for _, v := range []string{"1", "2", "3", "4"} {
					q.Enqueue(v, 5)
				}
			},
			want: []string{"1", "2", "3", "4"},
		},
		{
			name: "priority then arrival",
			setup: func(q *Queue[string]) {
				q.Enqueue("low", 20)
				q.Enqueue("zero", 0)
				q.Enqueue("mid-a", 10)
				q.PushToFront("urgent-1")
				q.Enqueue("mid-b", 10)
				q.PushToFront("urgent-2")
			},
			want: []string{"urgent-1", "urgent-2", "zero", "mid-a", "mid-b", "low"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := NewQueue[string]()
			tt.setup(q)
			got := drain(q)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v want %v", got, tt.want)
				}
			}
			if !q.Empty() {
				t.Fatal("expected empty queue")
			}
		})
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue[int]()
	got := make(chan int, 1)
	go func() {
		it, err := q.Dequeue(context.Background())
		if err == nil {
			got <- it.Value
		}
	}()
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(7, DefaultPriority)
	select {
	case v := <-got:
		if v != 7 {
			t.Fatalf("got %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestDequeueHonoursContext(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := NewQueue[int]()
	const n = 500
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	seen := make(chan int, n)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				seen <- it.Value
				if len(seen) == n {
					cancel()
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		go q.Enqueue(i, i%3)
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("consumed %d of %d", len(seen), n)
	}
}

func TestLock(t *testing.T) {
	var l Lock
	if l.NeedsSwitch("a") {
		t.Fatal("fresh lock must not need a switch")
	}
	if _, ok := l.Current(); ok {
		t.Fatal("fresh lock has no current unit")
	}
	if _, had := l.SetHot("a"); had {
		t.Fatal("no previous unit expected")
	}
	if l.NeedsSwitch("a") {
		t.Fatal("same unit must not switch")
	}
	if !l.NeedsSwitch("b") {
		t.Fatal("different unit must switch")
	}
	if prev, had := l.SetHot("b"); !had || prev != "a" {
		t.Fatalf("previous=%q had=%v", prev, had)
	}
	l.Clear()
	if l.NeedsSwitch("z") {
		t.Fatal("cleared lock must not need a switch")
	}
}
