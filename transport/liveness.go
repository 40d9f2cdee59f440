package transport

import (
	"context"
	"sync"
)

// Liveness is told when a connection goes from idle to busy (Ref) and back
// (Unref). A hosting process uses it to decide whether anything still needs
// it running; an idle connection alone never does.
type Liveness interface {
	Ref()
	Unref()
}

type nopLiveness struct{}

func (nopLiveness) Ref()   {}
func (nopLiveness) Unref() {}

// Tracker is a Liveness shared by many connections. Wait blocks until every
// connection is idle.
type Tracker struct {
	mu    sync.Mutex
	count int
	idle  chan struct{} // closed while count == 0
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{idle: idle}
}

// Ref marks one more busy connection.
func (t *Tracker) Ref() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		t.idle = make(chan struct{})
	}
	t.count++
}

// Unref marks one busy connection as idle. Extra calls are ignored.
func (t *Tracker) Unref() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return
	}
	t.count--
	if t.count == 0 {
		close(t.idle)
	}
}

// Count returns the number of busy connections.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Wait returns nil once no connection is busy, or ctx.Err().
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.count == 0 {
			t.mu.Unlock()
			return nil
		}
		idle := t.idle
		t.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
