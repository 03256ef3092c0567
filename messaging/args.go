package messaging

import (
	"fmt"
	"strconv"
	"strings"
)

// GetEntry returns the first value in m whose key matches case-insensitively.
func GetEntry(m map[string]interface{}, key string) interface{} {
	key = strings.ToLower(key)
	for k, v := range m {
		if strings.ToLower(k) == key {
			return v
		}
	}

	return nil
}

func requireString(client string, args map[string]interface{}, key string) (string, error) {
	value, ok := GetEntry(args, key).(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%s connect: missing string argument %s", client, key)
	}

	return value, nil
}

func optionalString(args map[string]interface{}, key, fallback string) string {
	if value, ok := GetEntry(args, key).(string); ok && value != "" {
		return value
	}

	return fallback
}

func optionalBool(args map[string]interface{}, key string, fallback bool) bool {
	switch value := GetEntry(args, key).(type) {
	case bool:
		return value
	case string:
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}

	return fallback
}

func optionalInt(args map[string]interface{}, key string, fallback int) int {
	switch value := GetEntry(args, key).(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	case string:
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}

	return fallback
}
