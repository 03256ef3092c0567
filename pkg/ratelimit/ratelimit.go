// Package ratelimit queues REST requests per route. Every route has a bucket
// served by its own goroutine which grants one ticket at a time and waits
// for the caller to report the response headers before granting the next,
// so the remaining count it learned is always current. A GlobalLock shared
// by all buckets suspends every route while the API reports a global limit.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrTicketAbandoned   = errors.New("ticket was abandoned by its caller")
	ErrTicketTimeout     = errors.New("ticket caller did not report back in time")
	ErrRatelimiterClosed = errors.New("ratelimiter is closed")
)

const (
	// DefaultGlobalRequestsPerSecond is the documented global request budget.
	DefaultGlobalRequestsPerSecond = 50
	DefaultGlobalWait              = time.Second
	DefaultFeedbackTimeout         = 2 * time.Minute
)

// Options configures a Ratelimiter. Zero values use the defaults.
type Options struct {
	// GlobalRequestsPerSecond caps requests across all routes. Negative
	// disables the budget.
	GlobalRequestsPerSecond int
	// GlobalWait is used when a global ratelimit response has no Retry-After.
	GlobalWait time.Duration
	// FeedbackTimeout bounds how long a bucket waits for a granted caller
	// to report back before moving on.
	FeedbackTimeout time.Duration
}

// Ratelimiter hands out tickets per route.
type Ratelimiter struct {
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bucketsMu sync.Mutex
	buckets   map[string]*bucket

	global          *GlobalLock
	budget          *rate.Limiter
	feedbackTimeout time.Duration
}

// NewRatelimiter creates a Ratelimiter. Close stops its bucket goroutines.
func NewRatelimiter(logger zerolog.Logger, options Options) *Ratelimiter {
	if options.GlobalRequestsPerSecond == 0 {
		options.GlobalRequestsPerSecond = DefaultGlobalRequestsPerSecond
	}

	if options.GlobalWait <= 0 {
		options.GlobalWait = DefaultGlobalWait
	}

	if options.FeedbackTimeout <= 0 {
		options.FeedbackTimeout = DefaultFeedbackTimeout
	}

	budget := rate.NewLimiter(rate.Inf, 0)
	if options.GlobalRequestsPerSecond > 0 {
		budget = rate.NewLimiter(rate.Limit(options.GlobalRequestsPerSecond), options.GlobalRequestsPerSecond)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Ratelimiter{
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		buckets:         make(map[string]*bucket),
		global:          newGlobalLock(options.GlobalWait),
		budget:          budget,
		feedbackTimeout: options.FeedbackTimeout,
	}
}

// Submit queues a ticket on the bucket for route. While the global
// ratelimit is active the ticket's Wait blocks on it before the bucket.
func (rl *Ratelimiter) Submit(route string) *Ticket {
	ticket := newTicket(route, rl.ctx.Done(), rl.global)

	rl.bucketsMu.Lock()

	b, ok := rl.buckets[route]
	if !ok {
		b = newBucket(rl, route)
		rl.buckets[route] = b

		if rl.ctx.Err() == nil {
			rl.wg.Add(1)

			go b.run(rl.ctx)
		}
	}

	b.push(ticket)

	rl.bucketsMu.Unlock()

	return ticket
}

// Global returns the global lock shared by all buckets.
func (rl *Ratelimiter) Global() *GlobalLock {
	return rl.global
}

// Buckets returns a snapshot of every known bucket keyed by route.
func (rl *Ratelimiter) Buckets() map[string]BucketSnapshot {
	rl.bucketsMu.Lock()
	buckets := make([]*bucket, 0, len(rl.buckets))

	for _, b := range rl.buckets {
		buckets = append(buckets, b)
	}
	rl.bucketsMu.Unlock()

	snapshots := make(map[string]BucketSnapshot, len(buckets))

	for _, b := range buckets {
		snapshots[b.route] = b.snapshot()
	}

	return snapshots
}

// Close stops every bucket. Pending tickets fail with ErrRatelimiterClosed.
func (rl *Ratelimiter) Close() {
	rl.bucketsMu.Lock()
	rl.cancel()
	rl.bucketsMu.Unlock()

	rl.wg.Wait()
}
