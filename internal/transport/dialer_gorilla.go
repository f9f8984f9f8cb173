package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaDialer dials with github.com/gorilla/websocket
type GorillaDialer struct {
	dialer   *websocket.Dialer
	maxBytes int64
}

// NewGorillaDialer creates the default socket driver
func NewGorillaDialer(opts DialerOptions) *GorillaDialer {
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GorillaDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		maxBytes: opts.MaxMessageBytes,
	}
}

// Dial opens a connection to url
func (d *GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.maxBytes > 0 {
		conn.SetReadLimit(d.maxBytes)
	}
	return &gorillaConn{conn: conn}, nil
}

type gorillaConn struct {
	conn *websocket.Conn
}

// Read blocks until a message arrives. gorilla reads are not context aware;
// cancellation is delivered by Close.
func (c *gorillaConn) Read(ctx context.Context) (MessageType, []byte, error) {
	typ, data, err := c.conn.ReadMessage()
	if err != nil {
		return 0, nil, normalizeGorillaError(err)
	}
	if typ == websocket.TextMessage {
		return MessageText, data, nil
	}
	return MessageBinary, data, nil
}

func (c *gorillaConn) Write(ctx context.Context, typ MessageType, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	wsType := websocket.BinaryMessage
	if typ == MessageText {
		wsType = websocket.TextMessage
	}
	return c.conn.WriteMessage(wsType, data)
}

func (c *gorillaConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func normalizeGorillaError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Text: ce.Text}
	}
	return err
}
