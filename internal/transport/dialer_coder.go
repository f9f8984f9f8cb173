package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// CoderDialer dials with github.com/coder/websocket
type CoderDialer struct {
	timeout  time.Duration
	maxBytes int64
}

// NewCoderDialer creates the alternative socket driver
func NewCoderDialer(opts DialerOptions) *CoderDialer {
	return &CoderDialer{timeout: opts.HandshakeTimeout, maxBytes: opts.MaxMessageBytes}
}

// Dial opens a connection to url
func (d *CoderDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.maxBytes > 0 {
		conn.SetReadLimit(d.maxBytes)
	}
	return &coderConn{conn: conn}, nil
}

type coderConn struct {
	conn *websocket.Conn
}

func (c *coderConn) Read(ctx context.Context) (MessageType, []byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return 0, nil, normalizeCoderError(err)
	}
	if typ == websocket.MessageText {
		return MessageText, data, nil
	}
	return MessageBinary, data, nil
}

func (c *coderConn) Write(ctx context.Context, typ MessageType, data []byte) error {
	wsType := websocket.MessageBinary
	if typ == MessageText {
		wsType = websocket.MessageText
	}
	return c.conn.Write(ctx, wsType, data)
}

func (c *coderConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

func normalizeCoderError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: int(ce.Code), Text: ce.Reason}
	}
	return err
}
