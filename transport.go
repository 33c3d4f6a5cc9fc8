package letusconnect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// ErrCleanClose is wrapped by Channel.Read when the peer closed the channel
// normally. The ConnectionManager does not reconnect after a clean close.
var ErrCleanClose = errors.New("channel closed cleanly")

// Transport opens channels to the realtime endpoint.
type Transport interface {
	Dial(ctx context.Context, endpoint string) (Channel, error)
}

// Channel is one bidirectional frame pipe. Read is called from a single
// goroutine; Write and Close may be called concurrently with it.
type Channel interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// WebSocketTransport dials text websocket channels.
type WebSocketTransport struct {
	HTTPClient *http.Client
	Header     http.Header
	ReadLimit  int64
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context, endpoint string) (Channel, error) {
	opts := &websocket.DialOptions{HTTPClient: t.HTTPClient, HTTPHeader: t.Header}
	conn, _, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if t.ReadLimit > 0 {
		conn.SetReadLimit(t.ReadLimit)
	}
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil, fmt.Errorf("%w: %v", ErrCleanClose, err)
			}
			return nil, err
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *wsChannel) Write(ctx context.Context, frame []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// endpointURL appends the identity token to the endpoint as the "token"
// query parameter, converting http(s) schemes to ws(s).
func endpointURL(endpoint, identity string) (string, error) {
	endpoint = strings.Replace(endpoint, "https://", "wss://", 1)
	endpoint = strings.Replace(endpoint, "http://", "ws://", 1)
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if identity != "" {
		q := u.Query()
		q.Set("token", identity)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
