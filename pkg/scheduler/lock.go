package scheduler

import "sync"

// Lock records which unit is currently hot. It is a hint for the
// dispatcher and never blocks beyond its critical section.
type Lock struct {
	mu      sync.Mutex
	current string
	set     bool
}

func (l *Lock) Current() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current, l.set
}

// SetHot marks unit as hot and returns the previous one, if any.
func (l *Lock) SetHot(unit string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, had := l.current, l.set
	l.current, l.set = unit, true
	return prev, had
}

// NeedsSwitch is false until something is hot, then true whenever the
// requested unit differs from the hot one.
func (l *Lock) NeedsSwitch(requested string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set && l.current != requested
}

func (l *Lock) Clear() {
	l.mu.Lock()
	l.current, l.set = "", false
	l.mu.Unlock()
}
