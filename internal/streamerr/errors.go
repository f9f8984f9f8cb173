package streamerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure in the streaming pipeline
type Kind int

const (
	KindConnection     Kind = iota + 1 // open/send failure, retried before becoming fatal
	KindProtocol                       // malformed or unknown frame, logged and dropped
	KindDecode                         // audio decode failure
	KindPlayback                       // scheduling or resume failure
	KindServerReported                 // control frame carrying an error
)

// String returns the metric/log label for the kind
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindDecode:
		return "decode"
	case KindPlayback:
		return "playback"
	case KindServerReported:
		return "server"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches against a bare *Error carrying only a Kind, so
// errors.Is(err, &Error{Kind: KindDecode}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Connection wraps an open/send failure
func Connection(op string, err error) error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

// Protocol wraps a malformed frame
func Protocol(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// Decode wraps an audio decode failure
func Decode(op string, err error) error {
	return &Error{Kind: KindDecode, Op: op, Err: err}
}

// Playback wraps a scheduling or resume failure
func Playback(op string, err error) error {
	return &Error{Kind: KindPlayback, Op: op, Err: err}
}

// ServerReported wraps an error delivered by the backend in a control frame
func ServerReported(op string, message string) error {
	return &Error{Kind: KindServerReported, Op: op, Err: errors.New(message)}
}

// KindOf returns the kind of err, or 0 when err is not classified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsFatal reports whether err must end the session. Protocol errors only drop
// the offending frame; connection errors are fatal once they reach the caller,
// because the bounded retry has already run by then.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != KindProtocol
}

// UserMessage renders a short human-readable message for the UI layer
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindConnection:
		return "Connection to the voice service was lost"
	case KindDecode:
		return "Received audio could not be decoded"
	case KindPlayback:
		return "Audio playback failed"
	case KindServerReported:
		var e *Error
		if errors.As(err, &e) && e.Err != nil {
			return "Voice service error: " + e.Err.Error()
		}
		return "Voice service error"
	default:
		if err == nil {
			return ""
		}
		return err.Error()
	}
}
