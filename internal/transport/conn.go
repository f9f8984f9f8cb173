package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// MessageType distinguishes WebSocket text and binary messages
type MessageType int

const (
	MessageText   MessageType = 1
	MessageBinary MessageType = 2
)

// Close codes used by the client
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseInternalError = 1011
)

// CloseError is a close frame received from the peer, normalized across drivers
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: %d %s", e.Code, e.Text)
}

// IsNormalClose reports whether err is a close frame with code 1000
func IsNormalClose(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && ce.Code == CloseNormal
}

// Conn is one open WebSocket. Read is called from a single goroutine; Write
// calls are serialized by the client; Close may be called concurrently with
// both.
type Conn interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, typ MessageType, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens WebSocket connections
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialerOptions configures the socket drivers
type DialerOptions struct {
	HandshakeTimeout time.Duration
	MaxMessageBytes  int64
}

// NewDialer returns the driver named by WS_DRIVER
func NewDialer(driver string, opts DialerOptions) (Dialer, error) {
	switch driver {
	case "", "gorilla":
		return NewGorillaDialer(opts), nil
	case "coder":
		return NewCoderDialer(opts), nil
	default:
		return nil, fmt.Errorf("unknown websocket driver %q", driver)
	}
}
