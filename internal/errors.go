package internal

import (
	"errors"
	"fmt"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/internal/rest"
)

var (
	// ErrReconnect is used to distinguish if the shard simply wants to reconnect.
	ErrReconnect = errors.New("reconnect is required")

	// ErrZombied is returned when the gateway stops acknowledging heartbeats.
	ErrZombied = errors.New("heartbeat was not acknowledged")

	ErrShardClosed     = errors.New("shard is closed")
	ErrNotConnected    = errors.New("shard has no connection")
	ErrUnexpectedHello = errors.New("expected hello payload")
	ErrMissingShards   = errors.New("shard group has no shards")
	ErrReshardActive   = errors.New("a reshard is already in progress")
)

var ErrProducerMissing = errors.New("no producer client found")

var (
	ErrReadConfigurationFailure = errors.New("failed to read configuration")
	ErrLoadConfigurationFailure = errors.New("failed to load configuration")

	ErrConfigurationValidateToken      = errors.New("configuration missing token")
	ErrConfigurationValidateIntents    = errors.New("configuration has invalid intents")
	ErrConfigurationValidateInterval   = errors.New("configuration has a non-positive interval")
	ErrConfigurationValidateQueue      = errors.New("configuration has an unknown identify queue kind")
	ErrConfigurationValidateIdentify   = errors.New("configuration missing valid identify url")
	ErrConfigurationValidateRedis      = errors.New("configuration missing valid redis address")
	ErrConfigurationValidateThreshold  = errors.New("configuration has an out of range reshard threshold")
	ErrConfigurationValidateShards     = errors.New("configuration has invalid shard ids")
	ErrConfigurationValidatePrometheus = errors.New("configuration enables prometheus without the http server")
	ErrConfigurationValidateHTTP       = errors.New("configuration missing valid http host")
)

// ErrorKind classifies gateway errors by how callers should react to them.
type ErrorKind uint8

const (
	// ErrorKindTransport covers dial and mid-stream I/O failures. Always reconnect.
	ErrorKindTransport ErrorKind = iota
	// ErrorKindProtocol covers malformed payloads and decompression failures.
	ErrorKindProtocol
	// ErrorKindConfiguration covers invalid tokens, intents and shard setups. Never retried.
	ErrorKindConfiguration
	// ErrorKindRatelimiter covers commands abandoned while waiting on the command throttle.
	ErrorKindRatelimiter
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindTransport:
		return "transport"
	case ErrorKindProtocol:
		return "protocol"
	case ErrorKindConfiguration:
		return "configuration"
	case ErrorKindRatelimiter:
		return "ratelimiter"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// GatewayError wraps an error raised while running a shard.
type GatewayError struct {
	Kind ErrorKind
	Op   string
	Code discord.CloseCode
	Err  error
}

func (e *GatewayError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s (%s): %v", e.Kind, e.Op, e.Code, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func transportError(op string, err error) error {
	return &GatewayError{Kind: ErrorKindTransport, Op: op, Err: err}
}

func protocolError(op string, err error) error {
	return &GatewayError{Kind: ErrorKindProtocol, Op: op, Err: err}
}

func ratelimiterError(op string, err error) error {
	return &GatewayError{Kind: ErrorKindRatelimiter, Op: op, Err: err}
}

func configurationError(op string, code discord.CloseCode, err error) error {
	return &GatewayError{Kind: ErrorKindConfiguration, Op: op, Code: code, Err: err}
}

// IsFatal reports whether err should stop a shard from reconnecting.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var gatewayError *GatewayError
	if errors.As(err, &gatewayError) {
		return gatewayError.Kind == ErrorKindConfiguration
	}

	return errors.Is(err, rest.ErrInvalidToken)
}
