package internal

import (
	"fmt"
	"os"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/internal/identify"
	"github.com/WelcomerTeam/Sandwich-Gateway/internal/rest"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/limiter"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/ratelimit"
	"gopkg.in/yaml.v3"
)

const (
	IdentifyKindLocal    = "local"
	IdentifyKindLargeBot = "largebot"
	IdentifyKindRedis    = "redis"
	IdentifyKindURL      = "url"

	DefaultReshardThreshold = 0.75
	DefaultReshardSlack     = 2 * time.Minute

	DefaultDispatchConcurrency = 64
)

// Configuration represents the configuration file.
type Configuration struct {
	Identifier string `json:"identifier" yaml:"identifier"`

	Logging    LoggingConfiguration    `json:"logging" yaml:"logging"`
	Gateway    GatewayConfiguration    `json:"gateway" yaml:"gateway"`
	Identify   IdentifyConfiguration   `json:"identify" yaml:"identify"`
	Rest       RestConfiguration       `json:"rest" yaml:"rest"`
	Producer   ProducerConfiguration   `json:"producer" yaml:"producer"`
	HTTP       HTTPConfiguration       `json:"http" yaml:"http"`
	Prometheus PrometheusConfiguration `json:"prometheus" yaml:"prometheus"`
	Reshard    ReshardConfiguration    `json:"reshard" yaml:"reshard"`
}

type LoggingConfiguration struct {
	Level string `json:"level" yaml:"level"`

	ConsoleLogging bool `json:"console_logging" yaml:"console_logging"`
	FileLogging    bool `json:"file_logging" yaml:"file_logging"`

	Filename   string `json:"filename" yaml:"filename"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAge     int    `json:"max_age" yaml:"max_age"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

type GatewayConfiguration struct {
	Token string `json:"-" yaml:"token"`

	// URL overrides the gateway returned by GET /gateway/bot.
	URL string `json:"url" yaml:"url"`

	Version        int   `json:"version" yaml:"version"`
	Compress       bool  `json:"compress" yaml:"compress"`
	Intents        int64 `json:"intents" yaml:"intents"`
	LargeThreshold int32 `json:"large_threshold" yaml:"large_threshold"`

	// ShardCount of 0 uses the recommended shard count.
	ShardCount int32 `json:"shard_count" yaml:"shard_count"`
	// ShardIDs is a range such as 0-4,6-7. Empty runs every shard.
	ShardIDs string `json:"shard_ids" yaml:"shard_ids"`

	Presence *discord.UpdateStatus `json:"presence" yaml:"presence"`

	HelloTimeout     time.Duration `json:"hello_timeout" yaml:"hello_timeout"`
	CommandWindow    time.Duration `json:"command_window" yaml:"command_window"`
	MinReconnectWait time.Duration `json:"min_reconnect_wait" yaml:"min_reconnect_wait"`
	MaxReconnectWait time.Duration `json:"max_reconnect_wait" yaml:"max_reconnect_wait"`
}

type IdentifyConfiguration struct {
	Kind          string        `json:"kind" yaml:"kind"`
	Interval      time.Duration `json:"interval" yaml:"interval"`
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval"`

	// URL allows for variables:
	// {shard_id}, {shard_count}, {token_hash}, {max_concurrency}
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"-" yaml:"headers"`

	RedisAddress  string `json:"redis_address" yaml:"redis_address"`
	RedisPassword string `json:"-" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
	RedisPrefix   string `json:"redis_prefix" yaml:"redis_prefix"`
}

type RestConfiguration struct {
	BaseURL   string        `json:"base_url" yaml:"base_url"`
	UserAgent string        `json:"user_agent" yaml:"user_agent"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`

	// BearerToken authorizes requests with an OAuth2 bearer token instead of the bot token.
	BearerToken string `json:"-" yaml:"bearer_token"`

	GlobalRequestsPerSecond int           `json:"global_requests_per_second" yaml:"global_requests_per_second"`
	GlobalWait              time.Duration `json:"global_wait" yaml:"global_wait"`
	FeedbackTimeout         time.Duration `json:"feedback_timeout" yaml:"feedback_timeout"`
	MaxRetries              int           `json:"max_retries" yaml:"max_retries"`
}

type ProducerConfiguration struct {
	// Type is a registered messaging client. Empty disables producing.
	Type          string                 `json:"type" yaml:"type"`
	ClientName    string                 `json:"client_name" yaml:"client_name"`
	Channel       string                 `json:"channel" yaml:"channel"`
	Concurrency   int                    `json:"concurrency" yaml:"concurrency"`
	Blacklist     []string               `json:"blacklist" yaml:"blacklist"`
	Configuration map[string]interface{} `json:"-" yaml:"configuration"`
}

type HTTPConfiguration struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
}

type PrometheusConfiguration struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type ReshardConfiguration struct {
	// Threshold is the share of new shards that must be connected before
	// the new shard group replaces the old one.
	Threshold float64       `json:"threshold" yaml:"threshold"`
	Slack     time.Duration `json:"slack" yaml:"slack"`
}

// DefaultConfiguration returns a configuration with every optional value set.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		Identifier: "sandwich",
		Logging: LoggingConfiguration{
			Level:          "info",
			ConsoleLogging: true,
			Filename:       "logs/sandwich.log",
			MaxSize:        100,
			MaxBackups:     3,
			MaxAge:         28,
		},
		Gateway: GatewayConfiguration{
			Version:          DefaultGatewayVersion,
			Compress:         true,
			LargeThreshold:   100,
			HelloTimeout:     DefaultHelloTimeout,
			CommandWindow:    limiter.GatewayCommandWindow,
			MinReconnectWait: MinReconnectWait,
			MaxReconnectWait: MaxReconnectWait,
		},
		Identify: IdentifyConfiguration{
			Kind:          IdentifyKindLargeBot,
			Interval:      identify.DefaultInterval,
			RetryInterval: identify.DefaultRetryInterval,
			RedisPrefix:   "sandwich",
		},
		Rest: RestConfiguration{
			BaseURL:                 rest.DefaultBaseURL,
			UserAgent:               rest.UserAgent,
			Timeout:                 rest.DefaultTimeout,
			GlobalRequestsPerSecond: ratelimit.DefaultGlobalRequestsPerSecond,
			GlobalWait:              ratelimit.DefaultGlobalWait,
			FeedbackTimeout:         ratelimit.DefaultFeedbackTimeout,
			MaxRetries:              rest.DefaultMaxRetries,
		},
		Producer: ProducerConfiguration{
			ClientName:  "sandwich",
			Channel:     "sandwich",
			Concurrency: DefaultDispatchConcurrency,
		},
		HTTP: HTTPConfiguration{
			Enabled: true,
			Host:    "127.0.0.1:14999",
		},
		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
		Reshard: ReshardConfiguration{
			Threshold: DefaultReshardThreshold,
			Slack:     DefaultReshardSlack,
		},
	}
}

// LoadConfiguration reads a yaml configuration, expanding ${VARIABLES} from
// the environment, on top of DefaultConfiguration.
func LoadConfiguration(path string) (*Configuration, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadConfigurationFailure, err)
	}

	return ParseConfiguration(file)
}

// ParseConfiguration parses and validates a yaml configuration.
func ParseConfiguration(data []byte) (*Configuration, error) {
	configuration := DefaultConfiguration()

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), configuration); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfigurationFailure, err)
	}

	if err := configuration.Validate(); err != nil {
		return nil, err
	}

	return configuration, nil
}

// Validate rejects configurations the gateway cannot start with.
func (c *Configuration) Validate() error {
	if c.Gateway.Token == "" {
		return ErrConfigurationValidateToken
	}

	if c.Gateway.Intents < 0 {
		return ErrConfigurationValidateIntents
	}

	if c.Gateway.ShardCount < 0 {
		return ErrConfigurationValidateShards
	}

	if c.Gateway.ShardCount > 0 && c.Gateway.ShardIDs != "" && len(returnRange(c.Gateway.ShardIDs, c.Gateway.ShardCount)) == 0 {
		return ErrConfigurationValidateShards
	}

	for _, interval := range []time.Duration{
		c.Gateway.HelloTimeout,
		c.Gateway.CommandWindow,
		c.Gateway.MinReconnectWait,
		c.Gateway.MaxReconnectWait,
		c.Identify.Interval,
		c.Identify.RetryInterval,
		c.Rest.Timeout,
		c.Rest.GlobalWait,
		c.Rest.FeedbackTimeout,
	} {
		if interval <= 0 {
			return ErrConfigurationValidateInterval
		}
	}

	switch c.Identify.Kind {
	case IdentifyKindLocal, IdentifyKindLargeBot:
	case IdentifyKindRedis:
		if c.Identify.RedisAddress == "" {
			return ErrConfigurationValidateRedis
		}
	case IdentifyKindURL:
		if c.Identify.URL == "" {
			return ErrConfigurationValidateIdentify
		}
	default:
		return fmt.Errorf("%w: %q", ErrConfigurationValidateQueue, c.Identify.Kind)
	}

	if c.Reshard.Threshold <= 0 || c.Reshard.Threshold > 1 {
		return ErrConfigurationValidateThreshold
	}

	if c.HTTP.Enabled && c.HTTP.Host == "" {
		return ErrConfigurationValidateHTTP
	}

	if c.Prometheus.Enabled && !c.HTTP.Enabled {
		return ErrConfigurationValidatePrometheus
	}

	return nil
}
