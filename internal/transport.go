package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/WelcomerTeam/Sandwich-Gateway/discord"
	"nhooyr.io/websocket"
)

// WebsocketReadLimit is the largest single message the gateway may send.
const WebsocketReadLimit = 512 << 20

// CloseFrame is the code and reason of a received close frame.
type CloseFrame struct {
	Code   discord.CloseCode
	Reason string
}

// Message is a single frame read from a gateway connection. Close is set
// when the server closed the connection.
type Message struct {
	Binary bool
	Data   []byte
	Close  *CloseFrame
}

// Dialer opens gateway connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is an open gateway connection. Writes may be called concurrently
// with Read.
type Conn interface {
	Read(ctx context.Context) (Message, error)
	Write(ctx context.Context, data []byte) error
	Close(code discord.CloseCode, reason string) error
}

// WebsocketDialer dials gateway connections with nhooyr.io/websocket.
type WebsocketDialer struct {
	Header    http.Header
	ReadLimit int64
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader:      d.Header,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	readLimit := d.ReadLimit
	if readLimit <= 0 {
		readLimit = WebsocketReadLimit
	}

	conn.SetReadLimit(readLimit)

	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) (Message, error) {
	messageType, data, err := c.conn.Read(ctx)
	if err != nil {
		var closeError websocket.CloseError
		if errors.As(err, &closeError) {
			return Message{Close: &CloseFrame{
				Code:   discord.CloseCode(closeError.Code),
				Reason: closeError.Reason,
			}}, nil
		}

		return Message{}, err
	}

	return Message{Binary: messageType == websocket.MessageBinary, Data: data}, nil
}

func (c *websocketConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *websocketConn) Close(code discord.CloseCode, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}
