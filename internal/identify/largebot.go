package identify

import (
	"context"
	"sync"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// LargeBotQueue runs max_concurrency LocalQueues so shards in different
// identify buckets start in parallel, and enforces the daily session start
// limit shared by all of them.
type LargeBotQueue struct {
	logger        zerolog.Logger
	fetcher       SessionStartLimitFetcher
	interval      time.Duration
	retryInterval time.Duration

	remaining atomic.Int32
	total     atomic.Int32
	resetAt   atomic.Time

	// concurrency mirrors len(buckets) for readers that must not wait on
	// a rebuild.
	concurrency atomic.Int32

	// resetting admits a single caller into the reset path.
	resetting chan struct{}

	// Requests hold the read lock until granted so a rebuild waits for
	// everything routed to the old buckets.
	bucketsMu sync.RWMutex
	buckets   []*LocalQueue
}

// NewLargeBotQueue creates a LargeBotQueue from the limit returned by
// GET /gateway/bot.
func NewLargeBotQueue(logger zerolog.Logger, fetcher SessionStartLimitFetcher, limit discord.SessionStartLimit, interval time.Duration) *LargeBotQueue {
	if interval <= 0 {
		interval = DefaultInterval
	}

	q := &LargeBotQueue{
		logger:        logger,
		fetcher:       fetcher,
		interval:      interval,
		retryInterval: DefaultRetryInterval,
		resetting:     make(chan struct{}, 1),
	}

	q.apply(limit)
	q.buckets = q.newBuckets(limit.MaxConcurrency)
	q.concurrency.Store(int32(len(q.buckets)))

	return q
}

// Request blocks until the daily limit allows a new session and the shard's
// identify bucket releases it.
func (q *LargeBotQueue) Request(ctx context.Context, shard ShardIdentity) error {
	if err := q.reserve(ctx); err != nil {
		return err
	}

	q.bucketsMu.RLock()
	defer q.bucketsMu.RUnlock()

	bucket := q.buckets[bucketIndex(shard.ShardID, len(q.buckets))]

	return bucket.Request(ctx, shard)
}

// Remaining returns how many sessions may still start before the reset.
func (q *LargeBotQueue) Remaining() int32 {
	return q.remaining.Load()
}

// ResetAt returns when the daily limit refills.
func (q *LargeBotQueue) ResetAt() time.Time {
	return q.resetAt.Load()
}

// MaxConcurrency returns the number of identify buckets.
func (q *LargeBotQueue) MaxConcurrency() int32 {
	return q.concurrency.Load()
}

// EstimateIdentifyDuration returns how long identifying shards takes: one
// interval per round over the buckets, plus the wait for the daily reset if
// the remaining allowance does not cover them.
func (q *LargeBotQueue) EstimateIdentifyDuration(shards int32) time.Duration {
	concurrency := q.MaxConcurrency()
	rounds := (shards + concurrency - 1) / concurrency
	estimate := time.Duration(rounds) * q.interval

	if shards > q.remaining.Load() {
		if wait := time.Until(q.resetAt.Load()); wait > 0 {
			estimate += wait
		}
	}

	return estimate
}

// Close stops every bucket.
func (q *LargeBotQueue) Close() {
	q.bucketsMu.RLock()
	buckets := q.buckets
	q.bucketsMu.RUnlock()

	for _, bucket := range buckets {
		bucket.Close()
	}
}

func bucketIndex(shardID int32, buckets int) int {
	return int(shardID) % buckets
}

func (q *LargeBotQueue) newBuckets(maxConcurrency int32) []*LocalQueue {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	buckets := make([]*LocalQueue, maxConcurrency)

	for i := range buckets {
		buckets[i] = NewLocalQueue(q.logger.With().Int("bucket", i).Logger(), q.interval)
	}

	return buckets
}

func (q *LargeBotQueue) apply(limit discord.SessionStartLimit) {
	reset := limit.ResetDuration()
	if limit.Remaining <= 0 && reset < q.retryInterval {
		reset = q.retryInterval
	}

	q.remaining.Store(limit.Remaining)
	q.total.Store(limit.Total)
	q.resetAt.Store(time.Now().Add(reset))
}

// tryDecrement takes one session from the daily allowance if any is left.
func (q *LargeBotQueue) tryDecrement() bool {
	for {
		remaining := q.remaining.Load()
		if remaining <= 0 {
			return false
		}

		if q.remaining.CompareAndSwap(remaining, remaining-1) {
			return true
		}
	}
}

func (q *LargeBotQueue) reserve(ctx context.Context) error {
	for {
		if q.tryDecrement() {
			return nil
		}

		select {
		case q.resetting <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		// Another caller may have finished a reset while we waited.
		if q.tryDecrement() {
			<-q.resetting

			return nil
		}

		err := q.waitForReset(ctx)

		<-q.resetting

		if err != nil {
			return err
		}
	}
}

// waitForReset sleeps until the daily limit resets, fetches the new limit
// and rebuilds the buckets if max_concurrency changed.
func (q *LargeBotQueue) waitForReset(ctx context.Context) error {
	for {
		if wait := time.Until(q.resetAt.Load()); wait > 0 {
			q.logger.Warn().
				Dur("wait", wait).
				Int32("total", q.total.Load()).
				Msg("Session start limit exhausted, waiting for reset")

			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}

		limit, err := q.fetcher.SessionStartLimit(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			q.logger.Warn().Err(err).Msg("Failed to fetch session start limit")
			q.resetAt.Store(time.Now().Add(q.retryInterval))

			continue
		}

		q.apply(limit)

		q.logger.Info().
			Int32("remaining", limit.Remaining).
			Int32("maxConcurrency", limit.MaxConcurrency).
			Time("resetAt", q.resetAt.Load()).
			Msg("Session start limit refreshed")

		if limit.MaxConcurrency > 0 && limit.MaxConcurrency != q.MaxConcurrency() {
			return q.rebuild(ctx, limit.MaxConcurrency)
		}

		return nil
	}
}

func (q *LargeBotQueue) rebuild(ctx context.Context, maxConcurrency int32) error {
	q.bucketsMu.Lock()
	defer q.bucketsMu.Unlock()

	q.logger.Info().
		Int("from", len(q.buckets)).
		Int32("to", maxConcurrency).
		Msg("Rebuilding identify buckets")

	for _, bucket := range q.buckets {
		if err := bucket.drain(ctx); err != nil {
			return err
		}
	}

	if err := sleep(ctx, q.interval); err != nil {
		return err
	}

	old := q.buckets
	q.buckets = q.newBuckets(maxConcurrency)
	q.concurrency.Store(int32(len(q.buckets)))

	for _, bucket := range old {
		bucket.Close()
	}

	return nil
}
