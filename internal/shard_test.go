package internal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/internal/identify"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/limiter"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardIdentifies(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	dispatched := make(chan string, 8)
	identities := make(chan identify.ShardIdentity, 1)

	options := testShardOptions(dialer)
	options.Queue = queueFunc(func(_ context.Context, shard identify.ShardIdentity) error {
		identities <- shard
		return nil
	})
	options.Dispatcher = DispatcherFunc(func(_ *Shard, payload *discord.GatewayPayload) {
		dispatched <- payload.Type
	})

	sh := NewShard(testLogger(), 3, 8, options)
	startShard(t, sh)

	conn := dialer.next(t)
	assert.True(t, strings.HasPrefix(conn.url, testGatewayURL+"?"))
	assert.Contains(t, conn.url, "v=10")

	conn.send(t, discord.GatewayOpHello, "", 0, discord.Hello{HeartbeatInterval: 45000})

	payload := conn.next(t, discord.GatewayOpIdentify)

	identifyPayload := discord.Identify{}
	require.NoError(t, sandwichjson.Unmarshal(payload.Data, &identifyPayload))

	assert.Equal(t, "token", identifyPayload.Token)
	assert.Equal(t, [2]int32{3, 8}, identifyPayload.Shard)
	assert.Equal(t, int64(513), identifyPayload.Intents)
	assert.Equal(t, identify.ShardIdentity{ShardID: 3, ShardCount: 8}, <-identities)
	assert.Equal(t, StageIdentifying, sh.Stage())

	conn.send(t, discord.GatewayOpDispatch, discord.DispatchReady, 1, discord.Ready{
		SessionID:        "session",
		ResumeGatewayURL: testResumeURL,
	})

	require.Eventually(t, func() bool { return sh.Stage() == StageConnected }, testTimeout, time.Millisecond)
	assert.Equal(t, "session", sh.SessionID())
	assert.Equal(t, int64(1), sh.Sequence())
	assert.Equal(t, discord.DispatchReady, <-dispatched)
}

func TestShardThrottleFollowsHeartbeatInterval(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	sh := newTestShard(testShardOptions(dialer))
	startShard(t, sh)

	conn := dialer.next(t)
	conn.send(t, discord.GatewayOpHello, "", 0, discord.Hello{HeartbeatInterval: 42500})
	conn.next(t, discord.GatewayOpIdentify)

	throttle := sh.Throttle()
	require.NotNil(t, throttle)
	assert.Equal(t, limiter.AvailableCommandsPerInterval(42500*time.Millisecond), throttle.Limit())
	assert.Equal(t, int32(116), throttle.Limit())
}

func TestShardResumesAfterRecoverableClose(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	sh := newTestShard(testShardOptions(dialer))
	startShard(t, sh)

	first := dialer.next(t)
	handshake(t, sh, first, 5)

	first.inbound <- Message{Close: &CloseFrame{Code: discord.CloseUnknownError, Reason: "unknown"}}

	assert.Equal(t, discord.CloseReconnect, first.waitClosed(t))

	second := dialer.next(t)
	assert.True(t, strings.HasPrefix(second.url, testResumeURL+"?"))

	second.send(t, discord.GatewayOpHello, "", 0, discord.Hello{HeartbeatInterval: 45000})

	payload := second.next(t, discord.GatewayOpResume)
	assert.Equal(t, StageResuming, sh.Stage())

	resume := discord.Resume{}
	require.NoError(t, sandwichjson.Unmarshal(payload.Data, &resume))
	assert.Equal(t, "session", resume.SessionID)
	assert.Equal(t, int64(5), resume.Sequence)

	second.send(t, discord.GatewayOpDispatch, discord.DispatchResumed, 6, struct{}{})

	require.Eventually(t, func() bool { return sh.Stage() == StageConnected }, testTimeout, time.Millisecond)
	assert.Equal(t, int64(6), sh.Sequence())
}

func TestShardReidentifiesAfterSessionInvalidClose(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	sh := newTestShard(testShardOptions(dialer))
	startShard(t, sh)

	first := dialer.next(t)
	handshake(t, sh, first, 5)

	first.inbound <- Message{Close: &CloseFrame{Code: discord.CloseSessionNoLongerValid}}

	second := dialer.next(t)
	assert.True(t, strings.HasPrefix(second.url, testGatewayURL+"?"))

	second.send(t, discord.GatewayOpHello, "", 0, discord.Hello{HeartbeatInterval: 45000})
	second.next(t, discord.GatewayOpIdentify)

	assert.Equal(t, StageIdentifying, sh.Stage())
	assert.Empty(t, sh.SessionID())
}

func TestShardStopsOnFatalClose(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	sh := newTestShard(testShardOptions(dialer))
	running := startShard(t, sh)

	conn := dialer.next(t)
	conn.send(t, discord.GatewayOpHello, "", 0, discord.Hello{HeartbeatInterval: 45000})
	conn.next(t, discord.GatewayOpIdentify)

	conn.inbound <- Message{Close: &CloseFrame{Code: discord.CloseAuthenticationFailed, Reason: "Authentication failed."}}

	err := running.wait(t)
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	var gatewayError *GatewayError
	require.True(t, errors.As(err, &gatewayError))
	assert.Equal(t, discord.CloseAuthenticationFailed, gatewayError.Code)

	assert.Equal(t, discord.CloseNormal, conn.waitClosed(t))
	assert.Equal(t, StageDisconnected, sh.Stage())
	assert.NotEmpty(t, sh.Status().Error)
}

func TestShardReconnectsWhenZombied(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	sh := newTestShard(testShardOptions(dialer))
	startShard(t, sh)

	first := dialer.next(t)
	// Heartbeats are never acknowledged.
	first.send(t, discord.GatewayOpHello, "", 0, discord.Hello{HeartbeatInterval: 20})

	assert.Equal(t, discord.CloseReconnect, first.waitClosed(t))

	dialer.next(t)

	require.Eventually(t, func() bool { return sh.Status().Reconnects >= 1 }, testTimeout, time.Millisecond)
	assert.Contains(t, sh.Status().Error, ErrZombied.Error())
}

func TestShardAnswersHeartbeatRequest(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	sh := newTestShard(testShardOptions(dialer))
	startShard(t, sh)

	conn := dialer.next(t)
	handshake(t, sh, conn, 7)

	conn.send(t, discord.GatewayOpHeartbeat, "", 0, nil)

	payload := conn.next(t, discord.GatewayOpHeartbeat)

	var sequence int64
	require.NoError(t, sandwichjson.Unmarshal(payload.Data, &sequence))
	assert.Equal(t, int64(7), sequence)

	conn.send(t, discord.GatewayOpHeartbeatACK, "", 0, nil)

	require.Eventually(t, func() bool { return sh.heartbeatAcked.Load() }, testTimeout, time.Millisecond)
}

func TestShardHeartbeatWithoutSequenceIsNull(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	sh := newTestShard(testShardOptions(dialer))
	startShard(t, sh)

	conn := dialer.next(t)
	conn.send(t, discord.GatewayOpHello, "", 0, discord.Hello{HeartbeatInterval: 45000})
	conn.next(t, discord.GatewayOpIdentify)

	conn.send(t, discord.GatewayOpHeartbeat, "", 0, nil)

	payload := conn.next(t, discord.GatewayOpHeartbeat)
	assert.True(t, len(payload.Data) == 0 || string(payload.Data) == "null", "sequence was %s", payload.Data)
}

func TestShardThrottleTimeoutIsRatelimiterError(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	sh := newTestShard(testShardOptions(dialer))
	startShard(t, sh)

	conn := dialer.next(t)
	handshake(t, sh, conn, 1)

	throttle := sh.Throttle()
	for throttle.Available() > 0 {
		require.NoError(t, throttle.Wait(context.Background()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sh.UpdatePresence(ctx, &discord.UpdateStatus{Status: "idle"})

	var gatewayError *GatewayError
	require.ErrorAs(t, err, &gatewayError)
	assert.Equal(t, ErrorKindRatelimiter, gatewayError.Kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsFatal(err))
}

func TestShardInvalidSessionReidentifies(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	sh := newTestShard(testShardOptions(dialer))
	startShard(t, sh)

	first := dialer.next(t)
	handshake(t, sh, first, 3)

	first.send(t, discord.GatewayOpInvalidSession, "", 0, false)

	second := dialer.next(t)
	assert.True(t, strings.HasPrefix(second.url, testGatewayURL+"?"))

	second.send(t, discord.GatewayOpHello, "", 0, discord.Hello{HeartbeatInterval: 45000})
	second.next(t, discord.GatewayOpIdentify)

	assert.Empty(t, sh.SessionID())
}

func TestShardResumesOnReconnectRequest(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	sh := newTestShard(testShardOptions(dialer))
	startShard(t, sh)

	first := dialer.next(t)
	handshake(t, sh, first, 3)

	first.send(t, discord.GatewayOpReconnect, "", 0, nil)

	assert.Equal(t, discord.CloseReconnect, first.waitClosed(t))

	second := dialer.next(t)
	assert.True(t, strings.HasPrefix(second.url, testResumeURL+"?"))

	second.send(t, discord.GatewayOpHello, "", 0, discord.Hello{HeartbeatInterval: 45000})
	second.next(t, discord.GatewayOpResume)
}

func TestShardReidentifiesAfterDecompressError(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	options := testShardOptions(dialer)
	options.Compress = true

	sh := newTestShard(options)
	startShard(t, sh)

	first := dialer.next(t)
	assert.Contains(t, first.url, "compress=zlib-stream")

	handshake(t, sh, first, 3)

	// Not a zlib header, followed by the sync marker.
	first.inbound <- Message{Binary: true, Data: []byte{0x00, 0x01, 0x00, 0x00, 0xff, 0xff}}

	second := dialer.next(t)
	assert.True(t, strings.HasPrefix(second.url, testGatewayURL+"?"))

	second.send(t, discord.GatewayOpHello, "", 0, discord.Hello{HeartbeatInterval: 45000})
	second.next(t, discord.GatewayOpIdentify)
}

func TestShardCloseWhileWaitingForIdentify(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	options := testShardOptions(dialer)
	options.Queue = queueFunc(func(ctx context.Context, _ identify.ShardIdentity) error {
		<-ctx.Done()
		return ctx.Err()
	})

	sh := newTestShard(options)
	running := startShard(t, sh)

	conn := dialer.next(t)
	conn.send(t, discord.GatewayOpHello, "", 0, discord.Hello{HeartbeatInterval: 45000})

	require.Eventually(t, func() bool { return sh.Stage() == StageIdentifying }, testTimeout, time.Millisecond)

	sh.Close()

	require.NoError(t, running.wait(t))
	assert.Equal(t, discord.CloseNormal, conn.waitClosed(t))
	assert.Equal(t, StageDisconnected, sh.Stage())
}

func TestShardSendEventRequiresConnection(t *testing.T) {
	t.Parallel()

	sh := newTestShard(testShardOptions(newFakeDialer()))

	err := sh.UpdatePresence(context.Background(), &discord.UpdateStatus{Status: "online"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestShardUpdatePresence(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	sh := NewShard(testLogger(), 2, 4, testShardOptions(dialer))
	startShard(t, sh)

	conn := dialer.next(t)
	handshake(t, sh, conn, 1)

	require.NoError(t, sh.UpdatePresence(context.Background(), &discord.UpdateStatus{
		Status:     "idle",
		Activities: []*discord.Activity{{Name: "shard {{shard_id}}"}},
	}))

	payload := conn.next(t, discord.GatewayOpStatusUpdate)

	presence := discord.UpdateStatus{}
	require.NoError(t, sandwichjson.Unmarshal(payload.Data, &presence))
	assert.Equal(t, "idle", presence.Status)
	require.Len(t, presence.Activities, 1)
	assert.Equal(t, "shard 2", presence.Activities[0].Name)
}

func TestPresenceForShard(t *testing.T) {
	t.Parallel()

	assert.Nil(t, presenceForShard(nil, 1))

	presence := &discord.UpdateStatus{
		Status:     "online",
		Activities: []*discord.Activity{{Name: "{{shard_id}} of many"}, nil},
	}

	filled := presenceForShard(presence, 12)
	require.Len(t, filled.Activities, 1)
	assert.Equal(t, "12 of many", filled.Activities[0].Name)
	assert.Equal(t, "{{shard_id}} of many", presence.Activities[0].Name)
}
