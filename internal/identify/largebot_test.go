package identify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type fakeFetcher struct {
	calls atomic.Int32
	limit discord.SessionStartLimit
}

func (f *fakeFetcher) SessionStartLimit(_ context.Context) (discord.SessionStartLimit, error) {
	f.calls.Inc()

	return f.limit, nil
}

func TestLargeBotQueueRoundRobin(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 4, 16} {
		received := make([][]int32, n)

		for shardID := int32(0); shardID < int32(3*n); shardID++ {
			i := bucketIndex(shardID, n)
			received[i] = append(received[i], shardID)
		}

		for i := 0; i < n; i++ {
			require.Len(t, received[i], 3)

			for j, shardID := range received[i] {
				assert.Equal(t, int32(i+j*n), shardID, "bucket %d of %d", i, n)
			}
		}
	}
}

func TestLargeBotQueueBucketsRunInParallel(t *testing.T) {
	t.Parallel()

	const interval = 300 * time.Millisecond

	q := NewLargeBotQueue(zerolog.Nop(), &fakeFetcher{}, discord.SessionStartLimit{
		Total:          1000,
		Remaining:      1000,
		ResetAfter:     int64(time.Hour / time.Millisecond),
		MaxConcurrency: 4,
	}, interval)
	defer q.Close()

	start := time.Now()

	var wg sync.WaitGroup

	for shardID := int32(0); shardID < 4; shardID++ {
		wg.Add(1)

		go func(shardID int32) {
			defer wg.Done()

			assert.NoError(t, q.Request(context.Background(), ShardIdentity{ShardID: shardID, ShardCount: 8}))
		}(shardID)
	}

	wg.Wait()

	assert.Less(t, time.Since(start), interval)
	assert.Equal(t, int32(996), q.Remaining())

	// Shard 4 shares bucket 0 with shard 0 and must wait out its interval.
	require.NoError(t, q.Request(context.Background(), ShardIdentity{ShardID: 4, ShardCount: 8}))
	assert.GreaterOrEqual(t, time.Since(start), interval-10*time.Millisecond)
}

func TestLargeBotQueueDailyLimit(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{limit: discord.SessionStartLimit{
		Total:          1000,
		Remaining:      1000,
		ResetAfter:     int64(time.Hour / time.Millisecond),
		MaxConcurrency: 1,
	}}

	q := NewLargeBotQueue(zerolog.Nop(), fetcher, discord.SessionStartLimit{
		Total:          1000,
		Remaining:      1,
		ResetAfter:     100,
		MaxConcurrency: 1,
	}, 5*time.Millisecond)
	defer q.Close()

	start := time.Now()

	require.NoError(t, q.Request(context.Background(), ShardIdentity{ShardID: 0, ShardCount: 4}))
	assert.Equal(t, int32(0), q.Remaining())

	var wg sync.WaitGroup

	for shardID := int32(1); shardID < 4; shardID++ {
		wg.Add(1)

		go func(shardID int32) {
			defer wg.Done()

			assert.NoError(t, q.Request(context.Background(), ShardIdentity{ShardID: shardID, ShardCount: 4}))
		}(shardID)
	}

	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 95*time.Millisecond)
	assert.Equal(t, int32(1), fetcher.calls.Load(), "concurrent waiters must share one reset")
	assert.Equal(t, int32(997), q.Remaining())
	assert.True(t, q.ResetAt().After(time.Now().Add(59*time.Minute)))
}

func TestLargeBotQueueRebuildsBuckets(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{limit: discord.SessionStartLimit{
		Total:          2000,
		Remaining:      10,
		ResetAfter:     int64(time.Hour / time.Millisecond),
		MaxConcurrency: 4,
	}}

	q := NewLargeBotQueue(zerolog.Nop(), fetcher, discord.SessionStartLimit{
		Total:          1000,
		Remaining:      1,
		ResetAfter:     50,
		MaxConcurrency: 1,
	}, 10*time.Millisecond)
	defer q.Close()

	require.NoError(t, q.Request(context.Background(), ShardIdentity{ShardID: 0, ShardCount: 2}))
	assert.Equal(t, int32(1), q.MaxConcurrency())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, q.Request(ctx, ShardIdentity{ShardID: 1, ShardCount: 2}))

	assert.Equal(t, int32(4), q.MaxConcurrency())
	assert.Equal(t, int32(9), q.Remaining())
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestLargeBotQueueCancelWhileExhausted(t *testing.T) {
	t.Parallel()

	q := NewLargeBotQueue(zerolog.Nop(), &fakeFetcher{}, discord.SessionStartLimit{
		Total:          1000,
		Remaining:      0,
		ResetAfter:     int64(time.Hour / time.Millisecond),
		MaxConcurrency: 1,
	}, time.Millisecond)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, q.Request(ctx, ShardIdentity{ShardID: 0, ShardCount: 1}), context.DeadlineExceeded)
}

func TestLargeBotQueueEstimate(t *testing.T) {
	t.Parallel()

	q := NewLargeBotQueue(zerolog.Nop(), &fakeFetcher{}, discord.SessionStartLimit{
		Total:          1000,
		Remaining:      10,
		ResetAfter:     int64(time.Hour / time.Millisecond),
		MaxConcurrency: 4,
	}, 6*time.Second)
	defer q.Close()

	assert.Equal(t, 3*6*time.Second, q.EstimateIdentifyDuration(10))

	estimate := q.EstimateIdentifyDuration(16)
	assert.Greater(t, estimate, 59*time.Minute)
	assert.LessOrEqual(t, estimate, time.Hour+4*6*time.Second)
}

func TestLargeBotQueueDiagnosticsDuringRebuild(t *testing.T) {
	t.Parallel()

	q := NewLargeBotQueue(zerolog.Nop(), &fakeFetcher{}, discord.SessionStartLimit{
		Total:          1000,
		Remaining:      10,
		ResetAfter:     int64(time.Hour / time.Millisecond),
		MaxConcurrency: 1,
	}, 500*time.Millisecond)
	defer q.Close()

	rebuilt := make(chan error, 1)

	go func() {
		rebuilt <- q.rebuild(context.Background(), 4)
	}()

	// Let the rebuild take the bucket lock and start its interval sleep.
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	assert.Equal(t, int32(1), q.MaxConcurrency())
	assert.Equal(t, 2*500*time.Millisecond, q.EstimateIdentifyDuration(2))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, <-rebuilt)
	assert.Equal(t, int32(4), q.MaxConcurrency())
	assert.Equal(t, 500*time.Millisecond, q.EstimateIdentifyDuration(2))
}
