package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitacare/voice-stream/internal/observability"
	"github.com/vitacare/voice-stream/internal/protocol"
	"github.com/vitacare/voice-stream/internal/resilience"
	"github.com/vitacare/voice-stream/internal/streamerr"
)

var (
	// ErrNotOpen is returned by Send outside the Open state
	ErrNotOpen = errors.New("connection not open")
	// ErrClosedByClient is returned when Disconnect or a newer Connect
	// interrupts a pending connect
	ErrClosedByClient = errors.New("connection closed by client")
)

// State is the lifecycle state of the client's current socket
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handlers receive inbound traffic and lifecycle events. All of them run on
// the socket's read goroutine, in arrival order.
type Handlers struct {
	OnControl       func(protocol.Frame)
	OnAudio         func(protocol.Frame)
	OnClose         func()            // server closed normally
	OnError         func(error)       // reconnect budget exhausted
	OnReconnect     func(attempt int) // socket replaced after an abnormal close
	OnProtocolError func(error)       // frame dropped
}

// Options configures a Client
type Options struct {
	Dialer          Dialer
	Header          http.Header
	Reconnect       *resilience.ReconnectConfig
	Breaker         *resilience.CircuitBreaker
	ConnectTimeout  time.Duration
	WriteTimeout    time.Duration
	MaxPayloadBytes int64 // inflated gzip payload cap; 0 uses the codec default
}

// Client owns at most one live socket to the voice backend and keeps it
// open across abnormal closes within the reconnect budget.
type Client struct {
	opts     Options
	handlers Handlers
	logger   zerolog.Logger

	mu    sync.Mutex
	state State
	link  *link
}

// link is one Connect..Disconnect lifetime. Reconnects swap its conn; a new
// Connect creates a new link.
type link struct {
	target         string
	ctx            context.Context
	cancel         context.CancelFunc
	closedByClient atomic.Bool

	writeMu sync.Mutex

	mu   sync.Mutex
	conn Conn
}

func (l *link) current() Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// bind derives a context that ends with either ctx or the link
func (l *link) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(l.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// NewClient creates a client. The dialer defaults to gorilla.
func NewClient(opts Options, handlers Handlers, logger zerolog.Logger) *Client {
	if opts.Dialer == nil {
		opts.Dialer = NewGorillaDialer(DialerOptions{HandshakeTimeout: opts.ConnectTimeout})
	}
	if opts.Reconnect == nil {
		opts.Reconnect = resilience.DefaultReconnectConfig()
	}
	return &Client{
		opts:     opts,
		handlers: handlers,
		logger:   logger.With().Str("component", "transport").Logger(),
		state:    StateIdle,
	}
}

// State returns the state of the current socket
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens a socket to target and returns once it is open. A socket
// that is still connecting or open is closed first. A failed dial is retried
// within the reconnect budget.
func (c *Client) Connect(ctx context.Context, target string) error {
	l := &link{target: target}
	l.ctx, l.cancel = context.WithCancel(context.Background())

	c.mu.Lock()
	prev := c.link
	var prevConn Conn
	superseded := prev != nil && prev.closedByClient.CompareAndSwap(false, true)
	if superseded {
		prevConn = prev.current()
	}
	c.link = l
	c.state = StateConnecting
	c.mu.Unlock()

	if superseded {
		c.logger.Debug().Str("target", prev.target).Msg("Closing previous connection")
		closeLink(prev, prevConn, "superseded")
	}

	dctx, done := l.bind(ctx)
	defer done()

	conn, err := c.dial(dctx, target)
	if err != nil && !resilience.IsPermanent(err) && dctx.Err() == nil {
		c.logger.Warn().Err(err).Str("target", target).Msg("Dial failed, retrying")
		_, err = resilience.Reconnect(dctx, func(ctx context.Context, attempt int) error {
			cn, err := c.dial(ctx, target)
			if err != nil {
				return err
			}
			conn = cn
			return nil
		}, c.opts.Reconnect)
	}
	if err != nil {
		if l.closedByClient.Load() {
			return ErrClosedByClient
		}
		c.setState(l, StateClosed)
		l.cancel()
		return streamerr.Connection("connect", err)
	}

	if !c.adopt(l, conn) {
		conn.Close(CloseNormal, "closed by client")
		return ErrClosedByClient
	}
	c.logger.Debug().Str("target", target).Msg("Connection open")

	go c.readLoop(l)
	return nil
}

// Send encodes req and writes it as one binary message
func (c *Client) Send(ctx context.Context, req protocol.Request) error {
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	return c.SendFrame(ctx, data)
}

// SendFrame writes an already encoded frame. Outside Open nothing is sent
// and ErrNotOpen is returned. A failed write closes the socket so the read
// loop takes the reconnect path.
func (c *Client) SendFrame(ctx context.Context, data []byte) error {
	c.mu.Lock()
	l, state := c.link, c.state
	c.mu.Unlock()

	if l == nil || state != StateOpen {
		c.logger.Warn().Str("state", state.String()).Msg("Send while not open, dropping")
		return ErrNotOpen
	}
	conn := l.current()

	if c.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.WriteTimeout)
		defer cancel()
	}

	l.writeMu.Lock()
	err := conn.Write(ctx, MessageBinary, data)
	l.writeMu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Write failed, closing socket")
		conn.Close(CloseInternalError, "write failed")
		return streamerr.Connection("send", err)
	}
	return nil
}

// Disconnect closes the socket with code 1000 and cancels any pending dial
// or reconnect. It is safe in any state, and a disconnected link is never
// reconnected.
func (c *Client) Disconnect(reason string) {
	c.mu.Lock()
	l := c.link
	if l == nil || !l.closedByClient.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	if c.state != StateClosed {
		c.state = StateClosing
	}
	conn := l.current()
	c.mu.Unlock()

	closeLink(l, conn, reason)
	c.setState(l, StateClosed)
	c.logger.Debug().Str("reason", reason).Msg("Disconnected")
}

func closeLink(l *link, conn Conn, reason string) {
	if conn != nil {
		conn.Close(CloseNormal, reason)
	}
	l.cancel()
}

func (c *Client) dial(ctx context.Context, target string) (Conn, error) {
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	var conn Conn
	dial := func() error {
		var err error
		conn, err = c.opts.Dialer.Dial(ctx, target, c.opts.Header)
		return err
	}
	if c.opts.Breaker == nil {
		err := dial()
		return conn, err
	}
	err := c.opts.Breaker.Call(dial)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, resilience.Permanent(err)
	}
	if err != nil {
		observability.IncrementCircuitBreakerFailures(c.opts.Breaker.Name())
	}
	return conn, err
}

// adopt installs conn as the link's socket unless the link was torn down
func (c *Client) adopt(l *link, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l || l.closedByClient.Load() {
		return false
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	c.state = StateOpen
	return true
}

func (c *Client) setState(l *link, s State) {
	c.mu.Lock()
	if c.link == l {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(l *link) {
	for {
		conn := l.current()
		typ, data, err := conn.Read(l.ctx)
		if err == nil {
			c.dispatch(l, typ, data)
			continue
		}

		if l.closedByClient.Load() {
			return
		}
		if IsNormalClose(err) {
			c.logger.Info().Msg("Server closed connection")
			c.setState(l, StateClosed)
			l.cancel()
			if c.handlers.OnClose != nil {
				c.handlers.OnClose()
			}
			return
		}

		c.logger.Warn().Err(err).Msg("Connection lost, reconnecting")
		conn.Close(CloseGoingAway, "reconnecting")
		if !c.reconnect(l) {
			return
		}
	}
}

func (c *Client) reconnect(l *link) bool {
	c.setState(l, StateConnecting)

	attempts, err := resilience.Reconnect(l.ctx, func(ctx context.Context, attempt int) error {
		c.logger.Info().Int("attempt", attempt).Msg("Reconnecting")
		conn, err := c.dial(ctx, l.target)
		if err != nil {
			return err
		}
		if !c.adopt(l, conn) {
			conn.Close(CloseNormal, "closed by client")
			return resilience.Permanent(ErrClosedByClient)
		}
		return nil
	}, c.opts.Reconnect)

	if err != nil {
		if l.closedByClient.Load() || l.ctx.Err() != nil {
			return false
		}
		c.setState(l, StateClosed)
		l.cancel()
		c.logger.Error().Err(err).Int("attempts", attempts).Msg("Reconnect failed")
		if c.handlers.OnError != nil {
			c.handlers.OnError(streamerr.Connection("reconnect", err))
		}
		return false
	}

	c.logger.Info().Int("attempt", attempts).Msg("Reconnected")
	if c.handlers.OnReconnect != nil {
		c.handlers.OnReconnect(attempts)
	}
	return true
}

func (c *Client) dispatch(l *link, typ MessageType, data []byte) {
	if l.closedByClient.Load() {
		return
	}

	var (
		frame protocol.Frame
		err   error
	)
	if typ == MessageText {
		frame, err = protocol.DecodeTextFrame(data)
	} else {
		limit := c.opts.MaxPayloadBytes
		if limit <= 0 {
			limit = protocol.DefaultMaxPayloadBytes
		}
		frame, err = protocol.DecodeFrameLimit(data, limit)
	}
	if err != nil {
		perr := streamerr.Protocol("decode frame", err)
		c.logger.Warn().Err(perr).Int("bytes", len(data)).Msg("Dropping malformed frame")
		if c.handlers.OnProtocolError != nil {
			c.handlers.OnProtocolError(perr)
		}
		return
	}

	switch frame.Kind {
	case protocol.FrameAudio:
		if c.handlers.OnAudio != nil {
			c.handlers.OnAudio(frame)
		}
	case protocol.FrameControl:
		if c.handlers.OnControl != nil {
			c.handlers.OnControl(frame)
		}
	default:
		c.logger.Debug().Str("type", frame.Type.String()).Msg("Ignoring frame of unknown type")
	}
}
