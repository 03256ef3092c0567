package identify

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestURLQueueRetriesUntilGranted(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body urlQueueRequest

		assert.NoError(t, sandwichjson.UnmarshalReader(r.Body, &body))
		assert.Equal(t, "/identify/3/16", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		assert.Equal(t, int32(3), body.ShardID)
		assert.Equal(t, int32(16), body.ShardCount)
		assert.Equal(t, int32(4), body.MaxConcurrency)
		assert.Equal(t, TokenHash("token"), body.TokenHash)

		if attempts.Inc() < 3 {
			w.Header().Set(HeaderRetryAfterMs, "20")
			w.WriteHeader(http.StatusPaymentRequired)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	q := NewURLQueue(zerolog.Nop(), server.URL+"/identify/{shard_id}/{shard_count}", map[string]string{"Authorization": "secret"}, "token", 4, time.Second)

	start := time.Now()

	require.NoError(t, q.Request(context.Background(), ShardIdentity{ShardID: 3, ShardCount: 16}))
	assert.Equal(t, int32(3), attempts.Load())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestURLQueueRefused(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	q := NewURLQueue(zerolog.Nop(), server.URL, nil, "token", 1, time.Second)

	assert.ErrorIs(t, q.Request(context.Background(), ShardIdentity{ShardID: 0, ShardCount: 1}), ErrIdentifyRefused)
}

func TestURLQueueTemplate(t *testing.T) {
	t.Parallel()

	q := NewURLQueue(zerolog.Nop(), "http://broker/{token_hash}/{max_concurrency}?shard={shard_id}", nil, "token", 16, time.Second)

	assert.Equal(t, "http://broker/"+TokenHash("token")+"/16?shard=7", q.URL(ShardIdentity{ShardID: 7, ShardCount: 32}))
}

func TestURLQueueKeepsTokenOutOfLogs(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body urlQueueRequest

		assert.NoError(t, sandwichjson.UnmarshalReader(r.Body, &body))
		assert.Equal(t, "/identify/"+TokenHash("s3cr3t-token"), r.URL.Path)
		assert.Equal(t, "s3cr3t-token", body.Token)

		if attempts.Inc() < 2 {
			w.Header().Set(HeaderRetryAfterMs, "10")
			w.WriteHeader(http.StatusPaymentRequired)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	var logs bytes.Buffer

	logger := zerolog.New(&logs).Level(zerolog.TraceLevel)
	q := NewURLQueue(logger, server.URL+"/identify/{token_hash}", nil, "s3cr3t-token", 1, time.Second)

	require.NoError(t, q.Request(context.Background(), ShardIdentity{ShardID: 0, ShardCount: 1}))
	assert.Equal(t, int32(2), attempts.Load())

	assert.Contains(t, logs.String(), TokenHash("s3cr3t-token"))
	assert.NotContains(t, logs.String(), "s3cr3t-token")
}

func TestRedisQueueKey(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	q := NewRedisQueue(client, "sandwich", "token", 16, time.Second)

	assert.Equal(t, "sandwich:identify:"+TokenHash("token")+":3", q.Key(ShardIdentity{ShardID: 19, ShardCount: 32}))
	assert.Equal(t, q.Key(ShardIdentity{ShardID: 0, ShardCount: 32}), q.Key(ShardIdentity{ShardID: 16, ShardCount: 32}))
	assert.Equal(t, 2*time.Second, q.EstimateIdentifyDuration(32))
}

func TestTokenHash(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "3c469e9d6c5875d37a43f353d4f88e61fcf812c66eee3457465a40b0da4153e0", TokenHash("token"))
}
