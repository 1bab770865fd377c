package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// ErrAuthRejected is wrapped by dial errors and surfaced through
// [Manager.Status] when the server refuses the credential. It is fatal for
// the automatic reconnect cycle.
var ErrAuthRejected = errors.New("channel: authentication rejected")

// Conn is one established realtime connection. Read returns whole frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes realtime connections. The production implementation is
// [WebsocketDialer]; tests substitute a scripted mock.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials the realtime endpoint over WebSocket.
type WebsocketDialer struct {
	// HTTPClient is used for the opening handshake. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// Dial opens a WebSocket connection to url. HTTP 401/403 handshake responses
// are reported as [ErrAuthRejected] so the manager can stop retrying.
func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("channel: dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts *websocket.Conn to the [Conn] interface.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
