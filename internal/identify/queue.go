// Package identify gates the creation of new gateway sessions. Every shard
// asks a Queue for permission before sending an identify; resumes never do.
package identify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
)

const (
	// DefaultInterval is how often one identify bucket may start a session.
	DefaultInterval = 6 * time.Second
	// DefaultRetryInterval is used when asking for a fresh limit fails.
	DefaultRetryInterval = 5 * time.Second
)

var (
	ErrQueueClosed     = errors.New("identify queue is closed")
	ErrIdentifyRefused = errors.New("identify broker refused the request")
)

// ShardIdentity is the (shard_id, shard_count) pair a shard identifies with.
type ShardIdentity struct {
	ShardID    int32
	ShardCount int32
}

func (s ShardIdentity) String() string {
	return strconv.Itoa(int(s.ShardID)) + "/" + strconv.Itoa(int(s.ShardCount))
}

// Queue blocks until the shard may identify.
type Queue interface {
	Request(ctx context.Context, shard ShardIdentity) error
}

// Estimator is implemented by queues that can predict how long identifying a
// number of shards will take.
type Estimator interface {
	EstimateIdentifyDuration(shards int32) time.Duration
}

// SessionStartLimitFetcher returns the current daily identify allowance.
type SessionStartLimitFetcher interface {
	SessionStartLimit(ctx context.Context) (discord.SessionStartLimit, error)
}

// FetcherFunc adapts a function to a SessionStartLimitFetcher.
type FetcherFunc func(ctx context.Context) (discord.SessionStartLimit, error)

func (f FetcherFunc) SessionStartLimit(ctx context.Context) (discord.SessionStartLimit, error) {
	return f(ctx)
}

// TokenHash returns a stable identifier for a token that is safe to share
// with brokers and use in keys.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))

	return hex.EncodeToString(sum[:])
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
