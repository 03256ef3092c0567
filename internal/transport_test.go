package internal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/internal/identify"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

var errFakeClosed = errors.New("fake connection closed")

type fakeConn struct {
	url string

	inbound chan Message
	writes  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	closeCode discord.CloseCode
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{
		url:     url,
		inbound: make(chan Message, 16),
		writes:  make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (Message, error) {
	select {
	case message := <-c.inbound:
		return message, nil
	case <-c.closed:
		return Message{}, errFakeClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}

	c.writes <- append([]byte(nil), data...)

	return nil
}

func (c *fakeConn) Close(code discord.CloseCode, _ string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.closed)
	})

	return nil
}

// send queues a text payload for the shard to read.
func (c *fakeConn) send(t *testing.T, op discord.GatewayOp, eventType string, sequence int64, data interface{}) {
	t.Helper()

	d, err := sandwichjson.Marshal(data)
	require.NoError(t, err)

	raw, err := sandwichjson.Marshal(discord.GatewayPayload{Op: op, Data: d, Sequence: sequence, Type: eventType})
	require.NoError(t, err)

	c.inbound <- Message{Data: raw}
}

// next returns the next payload written with op. Heartbeats are skipped
// unless op is a heartbeat.
func (c *fakeConn) next(t *testing.T, op discord.GatewayOp) discord.GatewayPayload {
	t.Helper()

	timeout := time.After(testTimeout)

	for {
		select {
		case raw := <-c.writes:
			payload := discord.GatewayPayload{}
			require.NoError(t, sandwichjson.Unmarshal(raw, &payload))

			if payload.Op == op {
				return payload
			}

			if payload.Op != discord.GatewayOpHeartbeat {
				t.Fatalf("expected %s, shard sent %s", op, payload.Op)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", op)
		}
	}
}

func (c *fakeConn) waitClosed(t *testing.T) discord.CloseCode {
	t.Helper()

	select {
	case <-c.closed:
		return c.closeCode
	case <-time.After(testTimeout):
		t.Fatal("connection was not closed")

		return 0
	}
}

type fakeDialer struct {
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 64)}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	conn := newFakeConn(url)
	d.conns <- conn

	return conn, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()

	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(testTimeout):
		t.Fatal("shard did not dial")

		return nil
	}
}

type queueFunc func(ctx context.Context, shard identify.ShardIdentity) error

func (f queueFunc) Request(ctx context.Context, shard identify.ShardIdentity) error {
	return f(ctx, shard)
}

var immediateQueue = queueFunc(func(context.Context, identify.ShardIdentity) error { return nil })

const (
	testGatewayURL = "wss://gateway.discord.gg"
	testResumeURL  = "wss://resume.discord.gg"
)

func testShardOptions(dialer Dialer) ShardOptions {
	return ShardOptions{
		Token:      "token",
		Intents:    513,
		GatewayURL: testGatewayURL,
		Dialer:     dialer,
		Queue:      immediateQueue,

		MinReconnectWait:      10 * time.Millisecond,
		MaxReconnectWait:      40 * time.Millisecond,
		MinInvalidSessionWait: time.Millisecond,
		MaxInvalidSessionWait: 2 * time.Millisecond,
	}
}

type runningShard struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func (r *runningShard) wait(t *testing.T) error {
	t.Helper()

	select {
	case <-r.done:
		return r.err
	case <-time.After(testTimeout):
		t.Fatal("shard did not stop")

		return nil
	}
}

func startShard(t *testing.T, sh *Shard) *runningShard {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	r := &runningShard{done: make(chan struct{}), cancel: cancel}

	go func() {
		defer close(r.done)
		r.err = sh.Open(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-r.done
	})

	return r
}

// handshake answers HELLO, expects an identify and marks the session ready.
func handshake(t *testing.T, sh *Shard, conn *fakeConn, sequence int64) {
	t.Helper()

	conn.send(t, discord.GatewayOpHello, "", 0, discord.Hello{HeartbeatInterval: 45000})
	conn.next(t, discord.GatewayOpIdentify)
	conn.send(t, discord.GatewayOpDispatch, discord.DispatchReady, sequence, discord.Ready{
		SessionID:        "session",
		ResumeGatewayURL: testResumeURL,
	})

	require.Eventually(t, func() bool { return sh.Stage() == StageConnected }, testTimeout, time.Millisecond)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestShard(options ShardOptions) *Shard {
	return NewShard(testLogger(), 0, 1, options)
}
