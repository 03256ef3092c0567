package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
)

// Headers is the ratelimit state a caller observed on a response.
type Headers struct {
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	Bucket     string

	// Global is set when the response reports the global ratelimit.
	Global bool
	// RetryAfter is set on 429 responses.
	RetryAfter time.Duration
}

// ParseHeaders extracts ratelimit information from a response. It returns
// nil when the response carries none, such as on network errors or
// unlimited routes.
func ParseHeaders(status int, header http.Header) *Headers {
	if header == nil {
		return nil
	}

	headers := &Headers{
		Bucket: header.Get(discord.HeaderRateLimitBucket),
		Global: strings.EqualFold(header.Get(discord.HeaderRateLimitGlobal), "true") ||
			strings.EqualFold(header.Get(discord.HeaderRateLimitScope), "global"),
	}

	limit, hasLimit := parseInt(header.Get(discord.HeaderRateLimitLimit))
	remaining, hasRemaining := parseInt(header.Get(discord.HeaderRateLimitRemaining))
	resetAfter, hasResetAfter := parseSeconds(header.Get(discord.HeaderRateLimitResetAfter))

	if hasLimit && hasRemaining && hasResetAfter {
		headers.Limit = limit
		headers.Remaining = remaining
		headers.ResetAfter = resetAfter
	} else if !headers.Global && status != http.StatusTooManyRequests {
		return nil
	}

	if status == http.StatusTooManyRequests {
		if retryAfter, ok := parseSeconds(header.Get(discord.HeaderRetryAfter)); ok {
			headers.RetryAfter = retryAfter
		} else {
			headers.RetryAfter = headers.ResetAfter
		}
	}

	return headers
}

func parseInt(value string) (int, bool) {
	if value == "" {
		return 0, false
	}

	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}

	return i, true
}

// parseSeconds parses a decimal number of seconds such as "1.337".
func parseSeconds(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}

	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 || math.IsInf(seconds, 0) {
		return 0, false
	}

	return time.Duration(seconds * float64(time.Second)), true
}
