package discord

import (
	"encoding/json"
)

// gateway.go contains the structures exchanged with the gateway. Only the
// handshake, heartbeat and command payloads are modelled; dispatch bodies are
// kept as raw JSON and handed to producers untouched.

// GatewayOp represents the operation codes of a gateway message.
type GatewayOp uint8

const (
	GatewayOpDispatch GatewayOp = iota
	GatewayOpHeartbeat
	GatewayOpIdentify
	GatewayOpStatusUpdate
	GatewayOpVoiceStateUpdate
	_
	GatewayOpResume
	GatewayOpReconnect
	GatewayOpRequestGuildMembers
	GatewayOpInvalidSession
	GatewayOpHello
	GatewayOpHeartbeatACK
)

func (op GatewayOp) String() string {
	switch op {
	case GatewayOpDispatch:
		return "Dispatch"
	case GatewayOpHeartbeat:
		return "Heartbeat"
	case GatewayOpIdentify:
		return "Identify"
	case GatewayOpStatusUpdate:
		return "StatusUpdate"
	case GatewayOpVoiceStateUpdate:
		return "VoiceStateUpdate"
	case GatewayOpResume:
		return "Resume"
	case GatewayOpReconnect:
		return "Reconnect"
	case GatewayOpRequestGuildMembers:
		return "RequestGuildMembers"
	case GatewayOpInvalidSession:
		return "InvalidSession"
	case GatewayOpHello:
		return "Hello"
	case GatewayOpHeartbeatACK:
		return "HeartbeatACK"
	default:
		return "Unknown"
	}
}

// GatewayIntent represents a bitflag for intents.
type GatewayIntent uint32

const (
	IntentGuilds GatewayIntent = 1 << iota
	IntentGuildMembers
	IntentGuildBans
	IntentGuildEmojis
	IntentGuildIntegrations
	IntentGuildWebhooks
	IntentGuildInvites
	IntentGuildVoiceStates
	IntentGuildPresences
	IntentGuildMessages
	IntentGuildMessageReactions
	IntentGuildMessageTyping
	IntentDirectMessages
	IntentDirectMessageReactions
	IntentDirectMessageTyping
	IntentMessageContent
	IntentGuildScheduledEvents
)

// Dispatch event names the gateway lifecycle reacts to.
const (
	DispatchReady   = "READY"
	DispatchResumed = "RESUMED"
)

// GatewayPayload represents the base payload received from the gateway.
type GatewayPayload struct {
	Op       GatewayOp       `json:"op"`
	Data     json.RawMessage `json:"d"`
	Sequence int64           `json:"s"`
	Type     string          `json:"t"`
}

// SentPayload represents the base payload sent to the gateway.
type SentPayload struct {
	Op   GatewayOp   `json:"op"`
	Data interface{} `json:"d"`
}

// Hello is the first payload received on a new connection.
type Hello struct {
	HeartbeatInterval int32 `json:"heartbeat_interval"`
}

// Ready is the subset of the READY dispatch the lifecycle needs to resume.
type Ready struct {
	Version          int32    `json:"v"`
	SessionID        string   `json:"session_id"`
	ResumeGatewayURL string   `json:"resume_gateway_url"`
	Shard            [2]int32 `json:"shard"`
}

// Identify represents the initial handshake with the gateway.
type Identify struct {
	Token          string              `json:"token"`
	Properties     *IdentifyProperties `json:"properties"`
	Compress       bool                `json:"compress"`
	LargeThreshold int32               `json:"large_threshold,omitempty"`
	Shard          [2]int32            `json:"shard"`
	Presence       *UpdateStatus       `json:"presence,omitempty"`
	Intents        int64               `json:"intents"`
}

// IdentifyProperties are the extra properties sent in the identify packet.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Resume resumes a dropped gateway connection.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// RequestGuildMembers requests members for a guild.
type RequestGuildMembers struct {
	GuildID   Snowflake   `json:"guild_id"`
	Query     string      `json:"query"`
	Limit     int32       `json:"limit"`
	Presences bool        `json:"presences"`
	Nonce     string      `json:"nonce,omitempty"`
	UserIDs   []Snowflake `json:"user_ids,omitempty"`
}

// UpdateVoiceState joins, moves or leaves a voice channel.
type UpdateVoiceState struct {
	GuildID   Snowflake  `json:"guild_id"`
	ChannelID *Snowflake `json:"channel_id"`
	SelfMute  bool       `json:"self_mute"`
	SelfDeaf  bool       `json:"self_deaf"`
}

// UpdateStatus updates a client's presence.
type UpdateStatus struct {
	Since      *int64      `json:"since"`
	Activities []*Activity `json:"activities"`
	Status     string      `json:"status" yaml:"status"`
	AFK        bool        `json:"afk" yaml:"afk"`
}

// ActivityType represents the type of an activity.
type ActivityType uint8

const (
	ActivityTypeGame ActivityType = iota
	ActivityTypeStreaming
	ActivityTypeListening
	ActivityTypeWatching
	ActivityTypeCustom
	ActivityTypeCompeting
)

// Activity represents an activity shown in a presence.
type Activity struct {
	Name  string       `json:"name" yaml:"name"`
	Type  ActivityType `json:"type" yaml:"type"`
	URL   string       `json:"url,omitempty" yaml:"url"`
	State string       `json:"state,omitempty" yaml:"state"`
}
