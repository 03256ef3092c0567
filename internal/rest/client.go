// Package rest makes ratelimited requests against the REST API.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/ratelimit"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const DefaultMaxRetries = 3

var ErrInvalidToken = errors.New("token passed is not valid")

// RestError is returned for responses with an unsuccessful status.
type RestError struct {
	Method string
	Path   string
	Status int
	Body   []byte
}

func (e *RestError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *RestError) Is(target error) bool {
	return target == ErrInvalidToken && e.Status == http.StatusUnauthorized
}

var restRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sandwich",
		Subsystem: "rest",
		Name:      "requests_total",
		Help:      "REST requests by route and status",
	},
	[]string{"route", "status"},
)

// Collectors returns the REST client metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{restRequests}
}

// Client queues every request on its route's bucket before executing it.
type Client struct {
	Logger      zerolog.Logger
	Executor    Executor
	Ratelimiter *ratelimit.Ratelimiter
	MaxRetries  int
}

// NewClient creates a Client.
func NewClient(logger zerolog.Logger, executor Executor, ratelimiter *ratelimit.Ratelimiter) *Client {
	return &Client{
		Logger:      logger,
		Executor:    executor,
		Ratelimiter: ratelimiter,
		MaxRetries:  DefaultMaxRetries,
	}
}

// Do executes a request once its bucket allows it. 429 responses are retried
// up to MaxRetries times after the bucket has learnt the retry delay.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	route := ratelimit.Route(method, path)

	for attempt := 0; ; attempt++ {
		ticket := c.Ratelimiter.Submit(route)

		if err := ticket.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to wait for ratelimit: %w", err)
		}

		resp, err := c.Executor.Execute(ctx, method, path, body)
		if err != nil {
			ticket.Done(nil)

			return nil, err
		}

		headers := ratelimit.ParseHeaders(resp.Status, resp.Header)
		if headers != nil && resp.Status == http.StatusTooManyRequests && headers.RetryAfter <= 0 {
			headers.RetryAfter = RetryAfter(resp)
		}

		ticket.Done(headers)

		restRequests.WithLabelValues(route, strconv.Itoa(resp.Status)).Inc()

		if resp.Status != http.StatusTooManyRequests || attempt >= c.MaxRetries {
			return resp, nil
		}

		c.Logger.Warn().
			Str("route", route).
			Int("attempt", attempt+1).
			Dur("retryAfter", RetryAfter(resp)).
			Msg("Received 429, retrying request")
	}
}

// FetchJSON sends payload as JSON and decodes the response into structure.
// Either may be nil.
func (c *Client) FetchJSON(ctx context.Context, method, path string, payload, structure interface{}) error {
	var body []byte

	if payload != nil {
		var err error

		body, err = sandwichjson.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	resp, err := c.Do(ctx, method, path, body)
	if err != nil {
		return err
	}

	if resp.Status < 200 || resp.Status > 299 {
		return &RestError{Method: method, Path: path, Status: resp.Status, Body: resp.Body}
	}

	if structure == nil || len(resp.Body) == 0 {
		return nil
	}

	if err := sandwichjson.Unmarshal(resp.Body, structure); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// GatewayBot returns the recommended shard count and session start limit.
func (c *Client) GatewayBot(ctx context.Context) (discord.GatewayBotResponse, error) {
	var gateway discord.GatewayBotResponse

	if err := c.FetchJSON(ctx, http.MethodGet, discord.EndpointGatewayBot, nil, &gateway); err != nil {
		return gateway, fmt.Errorf("failed to get gateway: %w", err)
	}

	return gateway, nil
}

// SessionStartLimit fetches the current daily identify allowance.
func (c *Client) SessionStartLimit(ctx context.Context) (discord.SessionStartLimit, error) {
	gateway, err := c.GatewayBot(ctx)
	if err != nil {
		return discord.SessionStartLimit{}, err
	}

	return gateway.SessionStartLimit, nil
}

// RetryAfter returns the delay a 429 response asked for.
func RetryAfter(resp *Response) time.Duration {
	if headers := ratelimit.ParseHeaders(resp.Status, resp.Header); headers != nil && headers.RetryAfter > 0 {
		return headers.RetryAfter
	}

	var tooManyRequests discord.TooManyRequests

	if err := sandwichjson.Unmarshal(resp.Body, &tooManyRequests); err == nil && tooManyRequests.RetryAfter > 0 {
		return time.Duration(tooManyRequests.RetryAfter * float64(time.Second))
	}

	return 0
}
