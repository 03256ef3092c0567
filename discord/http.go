package discord

import (
	"net/url"
	"strconv"
	"time"
)

// http.go represents the structures of the REST endpoints the gateway uses.

// Ratelimit headers returned on every REST response.
const (
	HeaderRateLimitLimit      = "X-RateLimit-Limit"
	HeaderRateLimitRemaining  = "X-RateLimit-Remaining"
	HeaderRateLimitReset      = "X-RateLimit-Reset"
	HeaderRateLimitResetAfter = "X-RateLimit-Reset-After"
	HeaderRateLimitBucket     = "X-RateLimit-Bucket"
	HeaderRateLimitGlobal     = "X-RateLimit-Global"
	HeaderRateLimitScope      = "X-RateLimit-Scope"
	HeaderRetryAfter          = "Retry-After"
)

// EndpointGatewayBot is the path of the GET /gateway/bot endpoint.
const EndpointGatewayBot = "/gateway/bot"

// GatewayBotResponse represents a GET /gateway/bot response.
type GatewayBotResponse struct {
	URL               string            `json:"url"`
	Shards            int32             `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit is the daily identify allowance of an application.
type SessionStartLimit struct {
	Total          int32 `json:"total"`
	Remaining      int32 `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"`
	MaxConcurrency int32 `json:"max_concurrency"`
}

// ResetDuration returns how long until the daily allowance refills.
func (ssl SessionStartLimit) ResetDuration() time.Duration {
	return time.Duration(ssl.ResetAfter) * time.Millisecond
}

// TooManyRequests is the body of a 429 response.
type TooManyRequests struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// GatewayURL appends the version, encoding and compression query to a
// gateway host returned by GET /gateway/bot or READY.
func GatewayURL(base string, version int, compress bool) (string, error) {
	gatewayURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	query := url.Values{}
	query.Set("v", strconv.Itoa(version))
	query.Set("encoding", "json")

	if compress {
		query.Set("compress", "zlib-stream")
	}

	gatewayURL.RawQuery = query.Encode()

	return gatewayURL.String(), nil
}
