package internal

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
)

func replaceIfEmpty(v string, s string) string {
	if v == "" {
		return s
	}

	return v
}

// returnRange converts a string like 0-4,6-7 to [0,1,2,3,4,6,7]. Values
// outside of [0, max) are dropped.
func returnRange(_range string, max int32) (result []int32) {
	seen := make(map[int32]bool)

	for _, split := range strings.Split(_range, ",") {
		ranges := strings.Split(strings.TrimSpace(split), "-")

		low, err := strconv.Atoi(strings.TrimSpace(ranges[0]))
		if err != nil {
			continue
		}

		hi, err := strconv.Atoi(strings.TrimSpace(ranges[len(ranges)-1]))
		if err != nil {
			continue
		}

		for i := low; i <= hi; i++ {
			if 0 <= i && i < int(max) && !seen[int32(i)] {
				seen[int32(i)] = true
				result = append(result, int32(i))
			}
		}
	}

	return result
}

// shardForGuild returns the shard a guild's events are delivered on.
func shardForGuild(guildID discord.Snowflake, shardCount int32) int32 {
	if shardCount <= 0 {
		return 0
	}

	return int32((uint64(guildID) >> 22) % uint64(shardCount))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
