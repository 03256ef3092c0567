package internal

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/WelcomerTeam/RealRock/deadlock"
	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/internal/identify"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/limiter"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/zlibstream"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/rs/zerolog"
	gotils_strconv "github.com/savsgio/gotils/strconv"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

const (
	DefaultGatewayVersion = 10

	DefaultHelloTimeout = 20 * time.Second

	MinReconnectWait = 1 * time.Second
	MaxReconnectWait = 60 * time.Second

	MinInvalidSessionWait = 1 * time.Second
	MaxInvalidSessionWait = 5 * time.Second
)

// Dispatcher receives every dispatch event a shard reads. Dispatch is called
// from the read loop and must not block.
type Dispatcher interface {
	Dispatch(sh *Shard, payload *discord.GatewayPayload)
}

// DispatcherFunc adapts a function to a Dispatcher.
type DispatcherFunc func(sh *Shard, payload *discord.GatewayPayload)

func (f DispatcherFunc) Dispatch(sh *Shard, payload *discord.GatewayPayload) {
	f(sh, payload)
}

// ShardOptions holds everything a shard needs to connect.
type ShardOptions struct {
	Token          string
	Intents        int64
	LargeThreshold int32
	Compress       bool
	Version        int
	Presence       *discord.UpdateStatus
	Properties     discord.IdentifyProperties

	// GatewayURL is dialed when identifying. Resumes use the url from READY.
	GatewayURL string

	Dialer     Dialer
	Queue      identify.Queue
	Dispatcher Dispatcher

	// OnStage is called after every stage transition.
	OnStage func(sh *Shard, stage Stage)

	CommandWindow time.Duration
	HelloTimeout  time.Duration

	MinReconnectWait time.Duration
	MaxReconnectWait time.Duration

	MinInvalidSessionWait time.Duration
	MaxInvalidSessionWait time.Duration
}

func (o *ShardOptions) setDefaults() {
	if o.Version == 0 {
		o.Version = DefaultGatewayVersion
	}

	if o.CommandWindow <= 0 {
		o.CommandWindow = limiter.GatewayCommandWindow
	}

	if o.HelloTimeout <= 0 {
		o.HelloTimeout = DefaultHelloTimeout
	}

	if o.MinReconnectWait <= 0 {
		o.MinReconnectWait = MinReconnectWait
	}

	if o.MaxReconnectWait < o.MinReconnectWait {
		o.MaxReconnectWait = MaxReconnectWait
	}

	if o.MinInvalidSessionWait <= 0 {
		o.MinInvalidSessionWait = MinInvalidSessionWait
	}

	if o.MaxInvalidSessionWait < o.MinInvalidSessionWait {
		o.MaxInvalidSessionWait = MaxInvalidSessionWait
	}

	if o.Properties.OS == "" {
		o.Properties = discord.IdentifyProperties{
			OS:      "linux",
			Browser: "Sandwich " + VERSION,
			Device:  "Sandwich " + VERSION,
		}
	}
}

// Shard is a single connection to the gateway.
type Shard struct {
	Logger zerolog.Logger

	ShardID    int32
	ShardCount int32

	options ShardOptions

	stage *atomic.Int32

	sessionID        *atomic.String
	resumeGatewayURL *atomic.String
	sequence         *atomic.Int64

	heartbeatInterval *atomic.Duration
	heartbeatAcked    *atomic.Bool
	lastHeartbeatSent *atomic.Time
	lastHeartbeatAck  *atomic.Time
	gatewayLatency    *atomic.Duration

	connectedAt *atomic.Time
	reconnects  *atomic.Int32
	lastError   *atomic.String

	// RoutineDeadSignal tracks the heartbeat and handshake goroutines of the
	// current connection.
	RoutineDeadSignal deadlock.DeadSignal

	connMu   sync.RWMutex
	conn     Conn
	connCtx  context.Context
	throttle *limiter.DurationLimiter

	// Only used by the goroutine running Open.
	decompressor *zlibstream.Decompressor

	reconnectLimiter *rate.Limiter

	openMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewShard creates a disconnected shard.
func NewShard(logger zerolog.Logger, shardID, shardCount int32, options ShardOptions) *Shard {
	options.setDefaults()

	return &Shard{
		Logger: logger.With().
			Int32("shardId", shardID).
			Int32("shardCount", shardCount).
			Logger(),

		ShardID:    shardID,
		ShardCount: shardCount,

		options: options,

		stage: atomic.NewInt32(int32(StageDisconnected)),

		sessionID:        atomic.NewString(""),
		resumeGatewayURL: atomic.NewString(""),
		sequence:         atomic.NewInt64(0),

		heartbeatInterval: atomic.NewDuration(0),
		heartbeatAcked:    atomic.NewBool(true),
		lastHeartbeatSent: atomic.NewTime(time.Time{}),
		lastHeartbeatAck:  atomic.NewTime(time.Time{}),
		gatewayLatency:    atomic.NewDuration(0),

		connectedAt: atomic.NewTime(time.Time{}),
		reconnects:  atomic.NewInt32(0),
		lastError:   atomic.NewString(""),

		RoutineDeadSignal: deadlock.DeadSignal{},

		decompressor: zlibstream.NewDecompressor(),

		reconnectLimiter: rate.NewLimiter(rate.Every(options.MinReconnectWait), 1),
	}
}

// Identity returns the admission queue routing key of the shard.
func (sh *Shard) Identity() identify.ShardIdentity {
	return identify.ShardIdentity{ShardID: sh.ShardID, ShardCount: sh.ShardCount}
}

// Stage returns the current stage.
func (sh *Shard) Stage() Stage {
	return Stage(sh.stage.Load())
}

func (sh *Shard) setStage(stage Stage) {
	previous := Stage(sh.stage.Swap(int32(stage)))
	if previous == stage {
		return
	}

	sh.Logger.Debug().
		Stringer("from", previous).
		Stringer("to", stage).
		Msg("Shard changed stage")

	shardStage.WithLabelValues(strconv.Itoa(int(sh.ShardCount)), strconv.Itoa(int(sh.ShardID))).Set(float64(stage))

	if sh.options.OnStage != nil {
		sh.options.OnStage(sh, stage)
	}
}

// SessionID returns the session that will be resumed on the next connect.
func (sh *Shard) SessionID() string {
	return sh.sessionID.Load()
}

// Sequence returns the last dispatch sequence received.
func (sh *Shard) Sequence() int64 {
	return sh.sequence.Load()
}

// GatewayLatency returns the round trip time of the last acknowledged heartbeat.
func (sh *Shard) GatewayLatency() time.Duration {
	return sh.gatewayLatency.Load()
}

// Throttle returns the command throttle of the current connection.
func (sh *Shard) Throttle() *limiter.DurationLimiter {
	sh.connMu.RLock()
	defer sh.connMu.RUnlock()

	return sh.throttle
}

func (sh *Shard) canResume() bool {
	return sh.sessionID.Load() != "" && sh.sequence.Load() > 0
}

// invalidateSession forces the next connection to identify. The inflate
// context is tied to the session so it is discarded with it.
func (sh *Shard) invalidateSession() {
	sh.sessionID.Store("")
	sh.resumeGatewayURL.Store("")
	sh.sequence.Store(0)
	sh.decompressor.Reset()
}

// Open connects the shard and keeps it connected until ctx is done, Close
// is called or the gateway closes with a code that cannot be recovered from.
func (sh *Shard) Open(ctx context.Context) error {
	sh.openMu.Lock()
	if sh.done != nil {
		sh.openMu.Unlock()

		return errors.New("shard is already open")
	}

	ctx, cancel := context.WithCancel(ctx)
	sh.cancel = cancel
	sh.done = make(chan struct{})
	done := sh.done
	sh.openMu.Unlock()

	defer func() {
		cancel()
		close(done)

		sh.openMu.Lock()
		sh.cancel = nil
		sh.done = nil
		sh.openMu.Unlock()
	}()

	wait := sh.options.MinReconnectWait

	for {
		if err := sh.reconnectLimiter.Wait(ctx); err != nil {
			sh.setStage(StageDisconnected)

			return nil
		}

		err := sh.connection(ctx)

		connected := sh.Stage() == StageConnected

		closeCode := discord.CloseReconnect
		if ctx.Err() != nil || IsFatal(err) {
			closeCode = discord.CloseNormal
		}

		sh.disconnect(closeCode)

		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			sh.lastError.Store(err.Error())
		}

		if IsFatal(err) {
			sh.Logger.Error().Err(err).Msg("Shard received fatal error. Not reconnecting")

			return err
		}

		if connected {
			wait = sh.options.MinReconnectWait
		}

		sh.reconnects.Inc()
		shardReconnects.WithLabelValues(strconv.Itoa(int(sh.ShardCount)), strconv.Itoa(int(sh.ShardID))).Inc()

		sh.Logger.Warn().
			Err(err).
			Dur("wait", wait).
			Bool("resumable", sh.canResume()).
			Msg("Shard disconnected. Reconnecting")

		if !connected {
			if err := sleepContext(ctx, wait); err != nil {
				return nil
			}

			wait *= 2
			if wait > sh.options.MaxReconnectWait {
				wait = sh.options.MaxReconnectWait
			}
		}
	}
}

// Close stops the shard and waits for Open to return.
func (sh *Shard) Close() {
	sh.openMu.Lock()
	cancel, done := sh.cancel, sh.done
	sh.openMu.Unlock()

	if cancel == nil {
		return
	}

	sh.Logger.Info().Msg("Closing shard")

	cancel()
	<-done
}

// connection runs a single physical connection until it drops.
func (sh *Shard) connection(ctx context.Context) error {
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if err := sh.Connect(connCtx, cancel); err != nil {
		return err
	}

	return sh.Listen(connCtx)
}

// Connect dials the gateway, waits for HELLO and starts heartbeating.
// The identify or resume handshake runs in the background so the read loop
// can keep acknowledging heartbeats while the admission queue holds it.
func (sh *Shard) Connect(ctx context.Context, fail context.CancelCauseFunc) error {
	sh.setStage(StageHandshaking)

	resuming := sh.canResume()

	base := sh.options.GatewayURL
	if resumeURL := sh.resumeGatewayURL.Load(); resuming && resumeURL != "" {
		base = resumeURL
	}

	gatewayURL, err := discord.GatewayURL(base, sh.options.Version, sh.options.Compress)
	if err != nil {
		return configurationError("connect", 0, fmt.Errorf("invalid gateway url %q: %w", base, err))
	}

	sh.Logger.Debug().
		Str("url", gatewayURL).
		Bool("resuming", resuming).
		Msg("Connecting to gateway")

	dialCtx, cancelDial := context.WithTimeout(ctx, sh.options.HelloTimeout)
	defer cancelDial()

	conn, err := sh.options.Dialer.Dial(dialCtx, gatewayURL)
	if err != nil {
		return transportError("dial", err)
	}

	// Every physical connection starts a new zlib stream.
	sh.decompressor.Reset()

	sh.connMu.Lock()
	sh.conn = conn
	sh.connCtx = ctx
	sh.throttle = nil
	sh.connMu.Unlock()

	hello, err := sh.readHello(dialCtx)
	if err != nil {
		return err
	}

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	commands := limiter.AvailableCommandsPerInterval(interval)

	sh.heartbeatInterval.Store(interval)
	sh.heartbeatAcked.Store(true)

	sh.connMu.Lock()
	sh.throttle = limiter.NewDurationLimiter(commands, sh.options.CommandWindow)
	sh.connMu.Unlock()

	sh.Logger.Debug().
		Dur("interval", interval).
		Int32("commands", commands).
		Msg("Received HELLO event from discord")

	sh.RoutineDeadSignal.Started()
	go sh.Heartbeat(ctx, fail, interval)

	sh.RoutineDeadSignal.Started()
	go sh.handshake(ctx, fail, resuming)

	return nil
}

func (sh *Shard) readHello(ctx context.Context) (*discord.Hello, error) {
	for {
		payload, err := sh.readPayload(ctx)
		if err != nil {
			return nil, err
		}

		if payload == nil {
			continue
		}

		if payload.Op != discord.GatewayOpHello {
			return nil, protocolError("hello", fmt.Errorf("%w: received %s", ErrUnexpectedHello, payload.Op))
		}

		hello := &discord.Hello{}
		if err := sandwichjson.Unmarshal(payload.Data, hello); err != nil {
			return nil, protocolError("hello", err)
		}

		return hello, nil
	}
}

func (sh *Shard) handshake(ctx context.Context, fail context.CancelCauseFunc, resuming bool) {
	defer sh.RoutineDeadSignal.Done()

	var err error

	if resuming {
		sh.setStage(StageResuming)
		err = sh.Resume(ctx)
	} else {
		sh.setStage(StageIdentifying)
		err = sh.Identify(ctx)
	}

	if err != nil && ctx.Err() == nil {
		fail(err)
	}
}

// Identify waits for the admission queue and sends IDENTIFY.
func (sh *Shard) Identify(ctx context.Context) error {
	start := time.Now()

	sh.Logger.Debug().Msg("Waiting for identify")

	if err := sh.options.Queue.Request(ctx, sh.Identity()); err != nil {
		return fmt.Errorf("failed to wait for identify: %w", err)
	}

	identifyWaits.Observe(time.Since(start).Seconds())

	sh.Logger.Debug().Dur("waited", time.Since(start)).Msg("Sending identify")

	return sh.SendEvent(ctx, discord.GatewayOpIdentify, discord.Identify{
		Token:          sh.options.Token,
		Properties:     &sh.options.Properties,
		LargeThreshold: sh.options.LargeThreshold,
		Shard:          [2]int32{sh.ShardID, sh.ShardCount},
		Presence:       presenceForShard(sh.options.Presence, sh.ShardID),
		Intents:        sh.options.Intents,
	})
}

// Resume sends RESUME. It does not consume an identify.
func (sh *Shard) Resume(ctx context.Context) error {
	sh.Logger.Debug().
		Str("sessionId", sh.sessionID.Load()).
		Int64("sequence", sh.sequence.Load()).
		Msg("Sending resume")

	return sh.SendEvent(ctx, discord.GatewayOpResume, discord.Resume{
		Token:     sh.options.Token,
		SessionID: sh.sessionID.Load(),
		Sequence:  sh.sequence.Load(),
	})
}

// Heartbeat maintains a heartbeat with discord. A heartbeat that is still
// unacknowledged when the next one is due fails the connection.
func (sh *Shard) Heartbeat(ctx context.Context, fail context.CancelCauseFunc, interval time.Duration) {
	defer sh.RoutineDeadSignal.Done()

	// The first heartbeat is jittered so reconnecting shards do not beat in step.
	timer := time.NewTimer(time.Duration(rand.Float64() * float64(interval)))
	defer timer.Stop()

	dead := sh.RoutineDeadSignal.Dead()

	for {
		select {
		case <-dead:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !sh.heartbeatAcked.Load() {
			sh.Logger.Warn().
				Time("lastHeartbeatSent", sh.lastHeartbeatSent.Load()).
				Msg("Heartbeat was not acknowledged. Connection is zombied")

			fail(transportError("heartbeat", ErrZombied))

			return
		}

		if err := sh.SendHeartbeat(ctx); err != nil {
			if ctx.Err() == nil {
				sh.Logger.Error().Err(err).Msg("Failed to heartbeat. Reconnecting")
				fail(transportError("heartbeat", err))
			}

			return
		}

		timer.Reset(interval)
	}
}

// SendHeartbeat sends a heartbeat immediately. Heartbeats bypass the
// command throttle, which reserves room for them. The sequence is null
// until a dispatch has been received.
func (sh *Shard) SendHeartbeat(ctx context.Context) error {
	sh.heartbeatAcked.Store(false)
	sh.lastHeartbeatSent.Store(time.Now())

	var sequence *int64
	if last := sh.sequence.Load(); last > 0 {
		sequence = &last
	}

	return sh.SendEvent(ctx, discord.GatewayOpHeartbeat, sequence)
}

// SendEvent sends an event to the gateway. Every op except heartbeats first
// waits for a token from the command throttle of the current connection.
func (sh *Shard) SendEvent(ctx context.Context, op discord.GatewayOp, data interface{}) error {
	sh.connMu.RLock()
	conn, connCtx, throttle := sh.conn, sh.connCtx, sh.throttle
	sh.connMu.RUnlock()

	if conn == nil || connCtx == nil {
		return ErrNotConnected
	}

	// Waiting ends early when the connection is torn down.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(connCtx, cancel)
	defer stop()

	if op != discord.GatewayOpHeartbeat {
		if throttle == nil {
			return ErrNotConnected
		}

		if err := throttle.Wait(waitCtx); err != nil {
			if connCtx.Err() != nil {
				return ErrNotConnected
			}

			return ratelimiterError("throttle "+op.String(), err)
		}
	}

	raw, err := sandwichjson.Marshal(discord.SentPayload{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", op, err)
	}

	if sh.Logger.GetLevel() <= zerolog.TraceLevel {
		sh.Logger.Trace().Str("payload", gotils_strconv.B2S(raw)).Msg("Sending payload")
	}

	if err := conn.Write(waitCtx, raw); err != nil {
		return transportError("write", err)
	}

	return nil
}

// UpdatePresence sends a presence update for this shard.
func (sh *Shard) UpdatePresence(ctx context.Context, presence *discord.UpdateStatus) error {
	return sh.SendEvent(ctx, discord.GatewayOpStatusUpdate, presenceForShard(presence, sh.ShardID))
}

// UpdateVoiceState joins, moves or leaves a voice channel.
func (sh *Shard) UpdateVoiceState(ctx context.Context, voiceState discord.UpdateVoiceState) error {
	return sh.SendEvent(ctx, discord.GatewayOpVoiceStateUpdate, voiceState)
}

// RequestGuildMembers requests member chunks for a guild.
func (sh *Shard) RequestGuildMembers(ctx context.Context, request discord.RequestGuildMembers) error {
	return sh.SendEvent(ctx, discord.GatewayOpRequestGuildMembers, request)
}

// Listen reads from the gateway until the connection drops.
func (sh *Shard) Listen(ctx context.Context) error {
	for {
		payload, err := sh.readPayload(ctx)
		if err != nil {
			return err
		}

		if payload == nil {
			continue
		}

		if err := sh.OnEvent(ctx, payload); err != nil {
			return err
		}
	}
}

// readPayload reads the next gateway payload. It returns nil without an
// error for incomplete fragments and for payloads that were dropped.
func (sh *Shard) readPayload(ctx context.Context) (*discord.GatewayPayload, error) {
	sh.connMu.RLock()
	conn := sh.conn
	sh.connMu.RUnlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	message, err := conn.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, ctx.Err()) {
				return nil, cause
			}
		}

		return nil, transportError("read", err)
	}

	if message.Close != nil {
		return nil, sh.closeError(message.Close)
	}

	data := message.Data

	if message.Binary {
		decompressed, complete, err := sh.decompressor.Decompress(message.Data)
		if err != nil {
			// The inflate context cannot be repaired without a new session.
			sh.invalidateSession()

			return nil, protocolError("decompress", err)
		}

		if !complete {
			return nil, nil
		}

		data = decompressed
	}

	if sh.Logger.GetLevel() <= zerolog.TraceLevel {
		sh.Logger.Trace().Str("payload", gotils_strconv.B2S(data)).Msg("Received payload")
	}

	payload := &discord.GatewayPayload{}

	if err := sandwichjson.Unmarshal(data, payload); err != nil {
		sh.Logger.Warn().Err(err).Msg("Failed to decode gateway payload. Dropping")

		return nil, nil
	}

	// Dispatch data outlives the decompressor buffer.
	if message.Binary {
		payload.Data = append([]byte(nil), payload.Data...)
	}

	gatewayEvents.WithLabelValues(payload.Op.String()).Inc()

	return payload, nil
}

// closeError applies the reconnect policy of a received close code.
func (sh *Shard) closeError(frame *CloseFrame) error {
	err := fmt.Errorf("gateway closed connection: %s", frame.Reason)

	switch frame.Code.Action() {
	case discord.CloseActionFatal:
		sh.Logger.Error().
			Int("code", int(frame.Code)).
			Str("reason", frame.Reason).
			Msg("Shard received closure code")

		return configurationError("close", frame.Code, err)
	case discord.CloseActionReidentify:
		sh.Logger.Warn().
			Int("code", int(frame.Code)).
			Str("reason", frame.Reason).
			Msg("Session is no longer valid")

		sh.invalidateSession()
	default:
		sh.Logger.Warn().
			Int("code", int(frame.Code)).
			Str("reason", frame.Reason).
			Msg("Websocket was closed")
	}

	return &GatewayError{Kind: ErrorKindTransport, Op: "close", Code: frame.Code, Err: err}
}

// disconnect closes the current connection and waits for its goroutines.
func (sh *Shard) disconnect(code discord.CloseCode) {
	sh.connMu.Lock()
	conn := sh.conn
	sh.conn = nil
	sh.connCtx = nil
	sh.throttle = nil
	sh.connMu.Unlock()

	if conn != nil {
		if err := conn.Close(code, ""); err != nil {
			sh.Logger.Debug().Err(err).Msg("Failed to close websocket")
		}
	}

	sh.RoutineDeadSignal.Close("DISCONNECT")
	sh.RoutineDeadSignal.Revive()

	if code == discord.CloseNormal {
		sh.invalidateSession()
	}

	sh.setStage(StageDisconnected)
}

// Status returns a snapshot of the shard.
func (sh *Shard) Status() ShardStatus {
	return ShardStatus{
		ShardID:           sh.ShardID,
		Stage:             sh.Stage(),
		Resumable:         sh.canResume(),
		Sequence:          sh.sequence.Load(),
		GatewayLatency:    sh.gatewayLatency.Load().Milliseconds(),
		HeartbeatInterval: sh.heartbeatInterval.Load().Milliseconds(),
		ConnectedAt:       sh.connectedAt.Load(),
		Reconnects:        sh.reconnects.Load(),
		Error:             sh.lastError.Load(),
	}
}

// presenceForShard replaces {{shard_id}} in activity names.
func presenceForShard(presence *discord.UpdateStatus, shardID int32) *discord.UpdateStatus {
	if presence == nil {
		return nil
	}

	filled := *presence
	filled.Activities = make([]*discord.Activity, 0, len(presence.Activities))

	for _, activity := range presence.Activities {
		if activity == nil {
			continue
		}

		copied := *activity
		copied.Name = strings.ReplaceAll(copied.Name, "{{shard_id}}", strconv.Itoa(int(shardID)))
		filled.Activities = append(filled.Activities, &copied)
	}

	return &filled
}
