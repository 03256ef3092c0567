package ratelimit

import (
	"strings"
)

// Parameters whose value selects a separate ratelimit bucket.
var majorParameters = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// Route returns the bucket key for a request. Ids that are not major
// parameters are replaced so requests on different resources of the same
// channel, guild or webhook share one bucket.
func Route(method, path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")

	var builder strings.Builder

	builder.WriteString(method)
	builder.WriteByte(' ')

	for i, segment := range segments {
		builder.WriteByte('/')

		switch {
		case i > 0 && segments[i-1] == "reactions":
			// Every reaction endpoint of a message shares one bucket.
			builder.WriteString("*")

			return builder.String()
		case isSnowflake(segment) && !(i > 0 && majorParameters[segments[i-1]]):
			builder.WriteString(":id")
		default:
			builder.WriteString(segment)
		}
	}

	return builder.String()
}

func isSnowflake(segment string) bool {
	if segment == "" {
		return false
	}

	for i := 0; i < len(segment); i++ {
		if segment[i] < '0' || segment[i] > '9' {
			return false
		}
	}

	return true
}
