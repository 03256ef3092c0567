package identify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type request struct {
	ctx     context.Context
	shard   ShardIdentity
	granted chan struct{}

	// drained is set on markers used to wait for the queue to be idle.
	drained chan struct{}
}

// LocalQueue releases one waiting shard per interval in the order they
// asked. It suits a single process where every identify can be serialised.
type LocalQueue struct {
	logger   zerolog.Logger
	interval time.Duration

	requests chan *request

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewLocalQueue starts a LocalQueue. Close stops it.
func NewLocalQueue(logger zerolog.Logger, interval time.Duration) *LocalQueue {
	if interval <= 0 {
		interval = DefaultInterval
	}

	q := &LocalQueue{
		logger:   logger,
		interval: interval,
		requests: make(chan *request),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	go q.run()

	return q
}

// Request blocks until the shard may identify.
func (q *LocalQueue) Request(ctx context.Context, shard ShardIdentity) error {
	req := &request{
		ctx:     ctx,
		shard:   shard,
		granted: make(chan struct{}),
	}

	select {
	case q.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}

	select {
	case <-req.granted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// EstimateIdentifyDuration returns how long identifying shards one after
// another takes.
func (q *LocalQueue) EstimateIdentifyDuration(shards int32) time.Duration {
	return time.Duration(shards) * q.interval
}

// drain returns once every request queued before it has been granted and
// the interval after the last grant has passed.
func (q *LocalQueue) drain(ctx context.Context) error {
	req := &request{
		ctx:     ctx,
		drained: make(chan struct{}),
	}

	select {
	case q.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}

	select {
	case <-req.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Close stops the queue. Waiting shards receive ErrQueueClosed.
func (q *LocalQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})

	<-q.stopped
}

func (q *LocalQueue) run() {
	defer close(q.stopped)

	for {
		var req *request

		select {
		case req = <-q.requests:
		case <-q.done:
			return
		}

		if req.drained != nil {
			close(req.drained)

			continue
		}

		select {
		case req.granted <- struct{}{}:
			q.logger.Debug().Str("shard", req.shard.String()).Msg("Granted identify")
		case <-req.ctx.Done():
			// The shard gave up, its slot goes to the next one.
			q.logger.Debug().Str("shard", req.shard.String()).Msg("Identify request abandoned")

			continue
		case <-q.done:
			return
		}

		timer := time.NewTimer(q.interval)

		select {
		case <-timer.C:
		case <-q.done:
			timer.Stop()

			return
		}
	}
}
