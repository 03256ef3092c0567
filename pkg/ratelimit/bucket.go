package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BucketSnapshot is a point in time copy of a bucket for diagnostics.
type BucketSnapshot struct {
	Route      string        `json:"route"`
	Bucket     string        `json:"bucket,omitempty"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAfter time.Duration `json:"reset_after"`
	StartedAt  time.Time     `json:"started_at"`
	Queued     int           `json:"queued"`
}

type bucket struct {
	rl     *Ratelimiter
	logger zerolog.Logger
	route  string

	queueMu sync.Mutex
	queue   []*Ticket
	wake    chan struct{}

	// Only written by run.
	limit      int
	remaining  int
	resetAfter time.Duration
	startedAt  time.Time
	hash       string

	snapshotMu sync.Mutex
	last       BucketSnapshot
}

func newBucket(rl *Ratelimiter, route string) *bucket {
	return &bucket{
		rl:     rl,
		logger: rl.logger.With().Str("route", route).Logger(),
		route:  route,
		wake:   make(chan struct{}, 1),
		last:   BucketSnapshot{Route: route},
	}
}

func (b *bucket) push(ticket *Ticket) {
	b.queueMu.Lock()
	b.queue = append(b.queue, ticket)
	b.queueMu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// pop returns the next ticket, blocking until one is queued.
func (b *bucket) pop(ctx context.Context) (*Ticket, bool) {
	for {
		b.queueMu.Lock()

		if len(b.queue) > 0 {
			ticket := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.queueMu.Unlock()

			return ticket, true
		}

		b.queueMu.Unlock()

		select {
		case <-b.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (b *bucket) run(ctx context.Context) {
	defer b.rl.wg.Done()

	for {
		ticket, ok := b.pop(ctx)
		if !ok {
			return
		}

		if err := b.ready(ctx); err != nil {
			return
		}

		if !ticket.grant() {
			b.logger.Debug().Msg("Ticket abandoned before it was granted")
			abandonedTickets.WithLabelValues(b.route).Inc()

			continue
		}

		headers, err := ticket.await(ctx, b.rl.feedbackTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			b.logger.Warn().Err(err).Msg("Ticket did not report response headers")
			abandonedTickets.WithLabelValues(b.route).Inc()

			continue
		}

		b.update(headers)
	}
}

// ready waits for the global lock, the bucket window and the global budget.
func (b *bucket) ready(ctx context.Context) error {
	for {
		if err := b.rl.global.Wait(ctx); err != nil {
			return err
		}

		wait := b.wait(time.Now())
		if wait <= 0 {
			break
		}

		b.logger.Debug().Dur("wait", wait).Msg("Bucket exhausted, waiting for reset")

		timer := time.NewTimer(wait)

		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		}
	}

	if err := b.rl.budget.Wait(ctx); err != nil {
		return err
	}

	// A global ratelimit engaged while waiting for the budget still applies.
	return b.rl.global.Wait(ctx)
}

// wait returns how long until the bucket has capacity.
func (b *bucket) wait(now time.Time) time.Duration {
	if b.startedAt.IsZero() || b.remaining > 0 {
		return 0
	}

	return b.startedAt.Add(b.resetAfter).Sub(now)
}

func (b *bucket) update(headers *Headers) {
	if headers == nil {
		return
	}

	if headers.Global {
		b.logger.Warn().Dur("retryAfter", headers.RetryAfter).Msg("Global ratelimit hit")
		b.rl.global.Lock(headers.RetryAfter)

		return
	}

	now := time.Now()

	if headers.RetryAfter > 0 {
		b.logger.Warn().Dur("retryAfter", headers.RetryAfter).Msg("Route ratelimit hit")

		b.remaining = 0
		b.resetAfter = headers.RetryAfter
		b.startedAt = now
	} else {
		b.limit = headers.Limit
		b.remaining = headers.Remaining
		b.resetAfter = headers.ResetAfter
		b.startedAt = now
	}

	if headers.Bucket != "" {
		b.hash = headers.Bucket
	}

	if headers.Limit > 0 {
		b.limit = headers.Limit
	}

	b.snapshotMu.Lock()
	b.last = BucketSnapshot{
		Route:      b.route,
		Bucket:     b.hash,
		Limit:      b.limit,
		Remaining:  b.remaining,
		ResetAfter: b.resetAfter,
		StartedAt:  b.startedAt,
	}
	b.snapshotMu.Unlock()
}

func (b *bucket) snapshot() BucketSnapshot {
	b.snapshotMu.Lock()
	snapshot := b.last
	b.snapshotMu.Unlock()

	b.queueMu.Lock()
	snapshot.Queued = len(b.queue)
	b.queueMu.Unlock()

	return snapshot
}
