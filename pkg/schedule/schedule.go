package schedule

import (
	"sync"
	"time"
)

// CancelFunc stops a pending callback. Calling it after the callback has
// fired, or calling it twice, is a no-op. It reports whether the callback was
// still pending.
type CancelFunc func() bool

// Scheduler hands out one-shot timers. The process owns a single instance
// that the presence table and any client-side re-announce loops share, so
// that tests can substitute a manual implementation and drive time by hand.
type Scheduler interface {
	After(d time.Duration, fn func()) CancelFunc
	Now() time.Time
}

type timerScheduler struct{}

// New returns a Scheduler backed by real timers.
func New() Scheduler {
	return timerScheduler{}
}

func (timerScheduler) After(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

func (timerScheduler) Now() time.Time {
	return time.Now()
}

// Manual is a Scheduler for tests: nothing fires until Advance is called.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	pending map[int]manualEntry
}

type manualEntry struct {
	at time.Time
	fn func()
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, pending: map[int]manualEntry{}}
}

func (m *Manual) After(d time.Duration, fn func()) CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.pending[id] = manualEntry{at: m.now.Add(d), fn: fn}
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.pending[id]
		delete(m.pending, id)
		return ok
	}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of callbacks that have not yet fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Advance moves the clock forward and fires every callback that became due.
// Callbacks run without the lock held so they may reschedule themselves.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	var due []func()
	for id, e := range m.pending {
		if !e.at.After(m.now) {
			due = append(due, e.fn)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}
