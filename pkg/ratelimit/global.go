package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// GlobalLock suspends every bucket while the API reports a global ratelimit.
// The flag is checked without locking so the common inactive path never
// contends on the mutex.
type GlobalLock struct {
	active atomic.Bool

	mu          sync.Mutex
	until       time.Time
	cleared     chan struct{}
	timer       *time.Timer
	defaultWait time.Duration
}

func newGlobalLock(defaultWait time.Duration) *GlobalLock {
	return &GlobalLock{
		cleared:     make(chan struct{}),
		defaultWait: defaultWait,
	}
}

// Active reports whether the global ratelimit is in effect.
func (g *GlobalLock) Active() bool {
	return g.active.Load()
}

// Until returns when the current global ratelimit clears.
func (g *GlobalLock) Until() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active.Load() {
		return time.Time{}
	}

	return g.until
}

// Lock engages the global ratelimit for d, or the default wait when the
// response did not say how long. A longer lock extends the current one.
func (g *GlobalLock) Lock(d time.Duration) {
	if d <= 0 {
		d = g.defaultWait
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	until := time.Now().Add(d)
	if until.After(g.until) {
		g.until = until
	}

	g.active.Store(true)

	if g.timer == nil {
		g.timer = time.AfterFunc(time.Until(g.until), g.release)
	}

	globalLocks.Inc()
}

func (g *GlobalLock) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if remaining := time.Until(g.until); remaining > 0 {
		g.timer.Reset(remaining)

		return
	}

	g.timer = nil
	g.active.Store(false)

	close(g.cleared)
	g.cleared = make(chan struct{})
}

// Wait blocks until the global ratelimit is inactive or ctx is done.
func (g *GlobalLock) Wait(ctx context.Context) error {
	for g.active.Load() {
		g.mu.Lock()
		cleared := g.cleared
		active := g.active.Load()
		g.mu.Unlock()

		if !active {
			return nil
		}

		select {
		case <-cleared:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
