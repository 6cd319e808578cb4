package clock

import (
	"sync"
	"time"
)

// Manual is a Source that only moves when told to. Used by tests and by
// offline rendering.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a manual source starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the source forward by d.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set jumps to t, which may be in the past.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
