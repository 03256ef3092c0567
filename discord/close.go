package discord

// CloseCode is a websocket close code sent by the gateway.
type CloseCode int

// Gateway close codes. 4011 to 4016 double as the voice gateway codes
// (server not found, unknown protocol, disconnected, server crashed and
// unknown encryption mode).
const (
	CloseUnknownError CloseCode = 4000 + iota
	CloseUnknownOpCode
	CloseDecodeError
	CloseNotAuthenticated
	CloseAuthenticationFailed
	CloseAlreadyAuthenticated
	CloseSessionNoLongerValid
	CloseInvalidSeq
	CloseRateLimited
	CloseSessionTimeout
	CloseInvalidShard
	CloseShardingRequired
	CloseInvalidAPIVersion
	CloseInvalidIntents
	CloseDisallowedIntents
	CloseServerCrashed
	CloseUnknownEncryptionMode
)

// Close codes used when the client closes the connection itself.
const (
	// CloseNormal invalidates the session on the server.
	CloseNormal CloseCode = 1000
	// CloseReconnect keeps the session resumable.
	CloseReconnect CloseCode = 4000
)

var closeCodeNames = map[CloseCode]string{
	CloseUnknownError:          "unknown error",
	CloseUnknownOpCode:         "unknown opcode",
	CloseDecodeError:           "decode error",
	CloseNotAuthenticated:      "not authenticated",
	CloseAuthenticationFailed:  "authentication failed",
	CloseAlreadyAuthenticated:  "already authenticated",
	CloseSessionNoLongerValid:  "session no longer valid",
	CloseInvalidSeq:            "invalid seq",
	CloseRateLimited:           "rate limited",
	CloseSessionTimeout:        "session timed out",
	CloseInvalidShard:          "invalid shard",
	CloseShardingRequired:      "sharding required",
	CloseInvalidAPIVersion:     "invalid api version",
	CloseInvalidIntents:        "invalid intents",
	CloseDisallowedIntents:     "disallowed intents",
	CloseServerCrashed:         "server crashed",
	CloseUnknownEncryptionMode: "unknown encryption mode",
}

func (c CloseCode) String() string {
	if name, ok := closeCodeNames[c]; ok {
		return name
	}

	return "unknown close code"
}

// CloseAction is what a shard must do after the gateway closed the connection.
type CloseAction uint8

const (
	// CloseActionResume reconnects keeping the session id and sequence.
	CloseActionResume CloseAction = iota
	// CloseActionReidentify reconnects with a brand new session.
	CloseActionReidentify
	// CloseActionFatal stops the shard, reconnecting cannot succeed.
	CloseActionFatal
)

func (a CloseAction) String() string {
	switch a {
	case CloseActionResume:
		return "resume"
	case CloseActionReidentify:
		return "reidentify"
	case CloseActionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Action maps a close code to the reconnect policy. Codes outside of the
// gateway range, such as abnormal closures, are resumable.
func (c CloseCode) Action() CloseAction {
	switch c {
	case CloseNotAuthenticated,
		CloseSessionNoLongerValid,
		CloseInvalidSeq,
		CloseSessionTimeout:
		return CloseActionReidentify
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return CloseActionFatal
	case CloseNormal:
		return CloseActionReidentify
	default:
		return CloseActionResume
	}
}
