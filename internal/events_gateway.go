package internal

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
)

type gatewayHandler func(ctx context.Context, sh *Shard, msg *discord.GatewayPayload) error

var gatewayHandlers = make(map[discord.GatewayOp]gatewayHandler)

func registerGatewayEvent(op discord.GatewayOp, handler gatewayHandler) {
	gatewayHandlers[op] = handler
}

// OnEvent handles a payload read from the gateway. A returned error ends
// the current connection.
func (sh *Shard) OnEvent(ctx context.Context, msg *discord.GatewayPayload) error {
	handler, ok := gatewayHandlers[msg.Op]
	if !ok {
		sh.Logger.Warn().
			Int("op", int(msg.Op)).
			Str("type", msg.Type).
			Msg("Gateway sent unknown packet")

		return nil
	}

	return handler(ctx, sh, msg)
}

func gatewayOpDispatch(ctx context.Context, sh *Shard, msg *discord.GatewayPayload) error {
	if msg.Sequence > 0 {
		sh.sequence.Store(msg.Sequence)
	}

	switch msg.Type {
	case discord.DispatchReady:
		ready := discord.Ready{}
		if err := sandwichjson.Unmarshal(msg.Data, &ready); err != nil {
			return protocolError("ready", err)
		}

		sh.sessionID.Store(ready.SessionID)
		sh.resumeGatewayURL.Store(ready.ResumeGatewayURL)
		sh.connectedAt.Store(time.Now().UTC())

		sh.Logger.Info().
			Str("sessionId", ready.SessionID).
			Msg("Shard is ready")

		sh.setStage(StageConnected)
	case discord.DispatchResumed:
		sh.connectedAt.Store(time.Now().UTC())

		sh.Logger.Info().
			Int64("sequence", sh.sequence.Load()).
			Msg("Shard has resumed")

		sh.setStage(StageConnected)
	}

	if sh.options.Dispatcher != nil {
		sh.options.Dispatcher.Dispatch(sh, msg)
	}

	return nil
}

func gatewayOpHeartbeat(ctx context.Context, sh *Shard, msg *discord.GatewayPayload) error {
	if err := sh.SendHeartbeat(ctx); err != nil {
		return transportError("heartbeat", err)
	}

	return nil
}

func gatewayOpReconnect(ctx context.Context, sh *Shard, msg *discord.GatewayPayload) error {
	sh.Logger.Info().Msg("Reconnecting in response to gateway")

	return transportError("reconnect", ErrReconnect)
}

func gatewayOpInvalidSession(ctx context.Context, sh *Shard, msg *discord.GatewayPayload) error {
	var resumable bool

	if err := sandwichjson.Unmarshal(msg.Data, &resumable); err != nil {
		resumable = false
	}

	if !resumable {
		sh.invalidateSession()
	}

	wait := sh.options.MinInvalidSessionWait
	if jitter := sh.options.MaxInvalidSessionWait - sh.options.MinInvalidSessionWait; jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(jitter)))
	}

	sh.Logger.Warn().
		Bool("resumable", resumable).
		Dur("wait", wait).
		Msg("Received invalid session")

	if err := sleepContext(ctx, wait); err != nil {
		return err
	}

	return transportError("invalid session", fmt.Errorf("%w: session invalidated", ErrReconnect))
}

func gatewayOpHello(ctx context.Context, sh *Shard, msg *discord.GatewayPayload) error {
	sh.Logger.Warn().Msg("Received HELLO on an open connection")

	return nil
}

func gatewayOpHeartbeatACK(ctx context.Context, sh *Shard, msg *discord.GatewayPayload) error {
	now := time.Now()

	sh.lastHeartbeatAck.Store(now)
	sh.heartbeatAcked.Store(true)

	latency := now.Sub(sh.lastHeartbeatSent.Load())
	sh.gatewayLatency.Store(latency)

	sh.Logger.Debug().
		Int64("RTT", latency.Milliseconds()).
		Msg("Received heartbeat ACK")

	gatewayLatency.WithLabelValues(
		strconv.Itoa(int(sh.ShardCount)),
		strconv.Itoa(int(sh.ShardID)),
	).Set(float64(latency.Milliseconds()))

	return nil
}

func init() {
	registerGatewayEvent(discord.GatewayOpDispatch, gatewayOpDispatch)
	registerGatewayEvent(discord.GatewayOpHeartbeat, gatewayOpHeartbeat)
	registerGatewayEvent(discord.GatewayOpReconnect, gatewayOpReconnect)
	registerGatewayEvent(discord.GatewayOpInvalidSession, gatewayOpInvalidSession)
	registerGatewayEvent(discord.GatewayOpHello, gatewayOpHello)
	registerGatewayEvent(discord.GatewayOpHeartbeatACK, gatewayOpHeartbeatACK)
}
