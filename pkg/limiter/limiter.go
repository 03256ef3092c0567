package limiter

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"
)

const (
	// GatewayCommandsPerWindow is how many commands the gateway accepts per window.
	GatewayCommandsPerWindow = 120
	// GatewayCommandWindow is the length of the gateway command window.
	GatewayCommandWindow = time.Minute
	// FallbackCommandsPerWindow is used when the heartbeat interval is unusable.
	FallbackCommandsPerWindow = GatewayCommandsPerWindow - 10
)

// AvailableCommandsPerInterval returns how many commands a shard may send per
// window, keeping two slots per expected heartbeat so heartbeats and replies
// to server heartbeat requests are never starved.
func AvailableCommandsPerInterval(heartbeatInterval time.Duration) int32 {
	if heartbeatInterval <= 0 {
		return FallbackCommandsPerWindow
	}

	heartbeats := int32(math.Ceil(float64(GatewayCommandWindow) / float64(heartbeatInterval)))

	available := GatewayCommandsPerWindow - 2*heartbeats
	if available <= 0 {
		return FallbackCommandsPerWindow
	}

	return available
}

// DurationLimiter allows at most limit operations in any rolling duration.
// Each grant returns to the pool exactly one duration after it was made, so
// a full pool refills once per window while never exceeding limit within
// any window. Waiters are served in the order they called Wait.
type DurationLimiter struct {
	turn chan struct{}

	mu       sync.Mutex
	limit    int32
	duration time.Duration
	granted  []time.Time
	oldest   int
}

// NewDurationLimiter creates a DurationLimiter. This is useful for allowing
// a specific operation to run only X amount of times in a duration of Y.
func NewDurationLimiter(limit int32, duration time.Duration) *DurationLimiter {
	if limit < 1 {
		limit = 1
	}

	return &DurationLimiter{
		turn:     make(chan struct{}, 1),
		limit:    limit,
		duration: duration,
		granted:  make([]time.Time, limit),
	}
}

// Wait blocks until a slot is available or ctx is done.
func (l *DurationLimiter) Wait(ctx context.Context) error {
	// Blocked channel senders are woken in order, which keeps waiters FIFO.
	select {
	case l.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	defer func() { <-l.turn }()

	for {
		wait := l.tryAcquire(time.Now())
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)

		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		}
	}
}

// tryAcquire takes a slot and returns zero, or returns how long until the
// oldest grant leaves the window.
func (l *DurationLimiter) tryAcquire(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldest := l.granted[l.oldest]

	if !oldest.IsZero() {
		if wait := oldest.Add(l.duration).Sub(now); wait > 0 {
			return wait
		}
	}

	l.granted[l.oldest] = now
	l.oldest = (l.oldest + 1) % len(l.granted)

	return 0
}

// Limit returns the maximum operations per duration.
func (l *DurationLimiter) Limit() int32 {
	return l.limit
}

// Available returns how many operations can run right now without waiting.
func (l *DurationLimiter) Available() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	available := l.limit

	for _, grantedAt := range l.granted {
		if !grantedAt.IsZero() && now.Sub(grantedAt) < l.duration {
			available--
		}
	}

	return available
}

// ConcurrencyLimiter bounds how many functions run at once.
type ConcurrencyLimiter struct {
	tickets    chan int
	inProgress atomic.Int32
}

// NewConcurrencyLimiter allocates a ConcurrencyLimiter with limit tickets.
func NewConcurrencyLimiter(limit int) *ConcurrencyLimiter {
	if limit < 1 {
		limit = 1
	}

	c := &ConcurrencyLimiter{
		tickets: make(chan int, limit),
	}

	for i := 0; i < limit; i++ {
		c.tickets <- i
	}

	return c
}

// Wait waits for a free ticket. Callers must FreeTicket the returned ticket.
func (c *ConcurrencyLimiter) Wait(ctx context.Context) (int, error) {
	select {
	case ticket := <-c.tickets:
		c.inProgress.Inc()

		return ticket, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// FreeTicket returns a ticket to the pool.
func (c *ConcurrencyLimiter) FreeTicket(ticket int) {
	c.inProgress.Dec()
	c.tickets <- ticket
}

// InProgress returns how many tickets are in use.
func (c *ConcurrencyLimiter) InProgress() int32 {
	return c.inProgress.Load()
}
