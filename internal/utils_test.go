package internal

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
)

func TestReturnRange(t *testing.T) {
	rangeString := "0-4,6-7"
	max := int32(8)
	expected := []int32{0, 1, 2, 3, 4, 6, 7}

	result := returnRange(rangeString, max)

	if !reflect.DeepEqual(result, expected) {
		t.Errorf("Expected %v, but got %v", expected, result)
	}
}

func TestReturnRangeSingle(t *testing.T) {
	result := returnRange("0", 8)

	if !reflect.DeepEqual(result, []int32{0}) {
		t.Errorf("Expected [0], but got %v", result)
	}
}

func TestReturnRangeEmpty(t *testing.T) {
	result := returnRange("", 8)

	if len(result) != 0 {
		t.Errorf("Expected no shards, but got %v", result)
	}
}

func TestReturnRangeOutOfBounds(t *testing.T) {
	rangeString := "0-4,6-7,8"
	max := int32(8)
	expected := []int32{0, 1, 2, 3, 4, 6, 7}

	result := returnRange(rangeString, max)

	if !reflect.DeepEqual(result, expected) {
		t.Errorf("Expected %v, but got %v", expected, result)
	}
}

func TestReturnRangeOverlapping(t *testing.T) {
	result := returnRange("2-4, 3-5", 16)
	expected := []int32{2, 3, 4, 5}

	if !reflect.DeepEqual(result, expected) {
		t.Errorf("Expected %v, but got %v", expected, result)
	}
}

func TestReplaceIfEmpty(t *testing.T) {
	v := replaceIfEmpty("", "default")
	expected := "default"

	if v != expected {
		t.Errorf("Expected %q, but got %q", expected, v)
	}

	v = replaceIfEmpty("value", "default")
	expected = "value"

	if v != expected {
		t.Errorf("Expected %q, but got %q", expected, v)
	}
}

func TestShardForGuild(t *testing.T) {
	guildID := discord.Snowflake(41771983423143937)

	if shard := shardForGuild(guildID, 1); shard != 0 {
		t.Errorf("Expected shard 0, but got %d", shard)
	}

	if shard := shardForGuild(guildID, 16); shard != 6 {
		t.Errorf("Expected shard 6, but got %d", shard)
	}

	if shard := shardForGuild(discord.Snowflake(5<<22), 4); shard != 1 {
		t.Errorf("Expected shard 1, but got %d", shard)
	}
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sleepContext(ctx, time.Hour); err == nil {
		t.Error("Expected cancelled sleep to return an error")
	}

	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}
