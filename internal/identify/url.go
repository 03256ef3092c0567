package identify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// HeaderRetryAfterMs is sent by identify brokers with a 402 response.
const HeaderRetryAfterMs = "X-Retry-After-Ms"

// URLQueue asks an external broker whether a shard may identify. The URL may
// contain {shard_id}, {shard_count}, {token_hash} and {max_concurrency}; the
// same values and the token are sent as the JSON body of a POST. The token
// is never placed in the URL, which is logged on every attempt.
//
// A 200 or 204 grants the identify. A 402 asks to try again after
// X-Retry-After-Ms milliseconds. Anything else is an error.
type URLQueue struct {
	client         *retryablehttp.Client
	url            string
	headers        map[string]string
	token          string
	tokenHash      string
	maxConcurrency int32
}

type urlQueueRequest struct {
	ShardID        int32  `json:"shard_id"`
	ShardCount     int32  `json:"shard_count"`
	MaxConcurrency int32  `json:"max_concurrency"`
	Token          string `json:"token"`
	TokenHash      string `json:"token_hash"`
}

// NewURLQueue creates a URLQueue.
func NewURLQueue(logger zerolog.Logger, brokerURL string, headers map[string]string, token string, maxConcurrency int32, retryInterval time.Duration) *URLQueue {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}

	client := retryablehttp.NewClient()
	client.Logger = leveledLogger{logger}
	client.RetryMax = 1 << 16
	client.RetryWaitMin = retryInterval
	client.RetryWaitMax = retryInterval
	client.CheckRetry = checkBrokerRetry
	client.Backoff = brokerBackoff

	return &URLQueue{
		client:         client,
		url:            brokerURL,
		headers:        headers,
		token:          token,
		tokenHash:      TokenHash(token),
		maxConcurrency: maxConcurrency,
	}
}

// URL returns the broker URL with the shard's values filled in.
func (q *URLQueue) URL(shard ShardIdentity) string {
	return strings.NewReplacer(
		"{shard_id}", strconv.Itoa(int(shard.ShardID)),
		"{shard_count}", strconv.Itoa(int(shard.ShardCount)),
		"{token_hash}", q.tokenHash,
		"{max_concurrency}", strconv.Itoa(int(q.maxConcurrency)),
	).Replace(q.url)
}

// Request blocks until the broker grants the identify.
func (q *URLQueue) Request(ctx context.Context, shard ShardIdentity) error {
	brokerURL := q.URL(shard)

	if _, err := url.Parse(brokerURL); err != nil {
		return fmt.Errorf("failed to parse identify url: %w", err)
	}

	body, err := sandwichjson.Marshal(urlQueueRequest{
		ShardID:        shard.ShardID,
		ShardCount:     shard.ShardCount,
		MaxConcurrency: q.maxConcurrency,
		Token:          q.token,
		TokenHash:      q.tokenHash,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal identify request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, brokerURL, body)
	if err != nil {
		return fmt.Errorf("failed to create identify request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range q.headers {
		req.Header.Set(key, value)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to request identify: %w", err)
	}

	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: status %d", ErrIdentifyRefused, resp.StatusCode)
	}

	return nil
}

func checkBrokerRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if err == nil && resp.StatusCode == http.StatusPaymentRequired {
		return true, nil
	}

	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func brokerBackoff(waitMin, _ time.Duration, _ int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter, err := strconv.Atoi(resp.Header.Get(HeaderRetryAfterMs)); err == nil && retryAfter > 0 {
			return time.Duration(retryAfter) * time.Millisecond
		}
	}

	return waitMin
}

// leveledLogger forwards retryablehttp logs to zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Trace().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
