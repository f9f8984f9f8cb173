package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vitacare/voice-stream/internal/protocol"
	"github.com/vitacare/voice-stream/internal/resilience"
	"github.com/vitacare/voice-stream/internal/streamerr"
)

// testServer upgrades every request it does not reject and hands the server
// side of the socket to the test.
type testServer struct {
	*httptest.Server
	upgrader  websocket.Upgrader
	requests  atomic.Int32
	rejectN   atomic.Int32 // reject this many upcoming requests
	rejectAll atomic.Bool
	conns     chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *websocket.Conn, 8)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests.Add(1)
		if ts.rejectAll.Load() || ts.rejectN.Add(-1) >= 0 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a connection")
		return nil
	}
}

// audioFrame builds an audio-only server response without sequence or event
func audioFrame(payload []byte) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x11, byte(protocol.MsgAudioOnlyResponse) << 4, 0x00, 0x00})
	binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

type recorder struct {
	audio     chan protocol.Frame
	control   chan protocol.Frame
	closed    chan struct{}
	errs      chan error
	reconnect chan int
	dropped   atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{
		audio:     make(chan protocol.Frame, 16),
		control:   make(chan protocol.Frame, 16),
		closed:    make(chan struct{}, 4),
		errs:      make(chan error, 4),
		reconnect: make(chan int, 4),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnAudio:         func(f protocol.Frame) { r.audio <- f },
		OnControl:       func(f protocol.Frame) { r.control <- f },
		OnClose:         func() { r.closed <- struct{}{} },
		OnError:         func(err error) { r.errs <- err },
		OnReconnect:     func(attempt int) { r.reconnect <- attempt },
		OnProtocolError: func(error) { r.dropped.Add(1) },
	}
}

func fastOptions(attempts int) Options {
	return Options{
		Reconnect:      &resilience.ReconnectConfig{MaxAttempts: attempts, Delay: 10 * time.Millisecond, Multiplier: 1},
		ConnectTimeout: time.Second,
	}
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func expectNone[T any](t *testing.T, ch chan T, what string, d time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Errorf("Expected no %s, got %v", what, v)
	case <-time.After(d):
	}
}

func TestClient_DispatchesAudioAndControl(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	c := NewClient(fastOptions(1), rec.handlers(), zerolog.Nop())

	if err := c.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer c.Disconnect("test done")
	if c.State() != StateOpen {
		t.Errorf("Expected state open, got %s", c.State())
	}

	server := ts.next(t)
	server.WriteMessage(websocket.BinaryMessage, audioFrame([]byte{1, 2, 3}))
	server.WriteMessage(websocket.BinaryMessage, []byte{0x11, 0xB0}) // truncated
	server.WriteMessage(websocket.TextMessage, []byte(`{"event":"session_finished"}`))

	audio := waitFor(t, rec.audio, "audio frame")
	if !bytes.Equal(audio.Audio, []byte{1, 2, 3}) {
		t.Errorf("Expected audio [1 2 3], got %v", audio.Audio)
	}
	ctl := waitFor(t, rec.control, "control frame")
	if ctl.Event != protocol.EventSessionFinished {
		t.Errorf("Expected session_finished, got %s", ctl.Event)
	}
	if rec.dropped.Load() != 1 {
		t.Errorf("Expected 1 dropped frame, got %d", rec.dropped.Load())
	}
}

func TestClient_SendWritesBinaryFrame(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(fastOptions(1), Handlers{}, zerolog.Nop())
	if err := c.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer c.Disconnect("test done")
	server := ts.next(t)

	want, _ := protocol.StartConnection()
	if err := c.Send(context.Background(), protocol.Request{Event: protocol.EventStartConnection}); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, got, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if typ != websocket.BinaryMessage {
		t.Errorf("Expected binary message, got %d", typ)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Expected %x, got %x", want, got)
	}
}

func TestClient_SendWhileNotOpen(t *testing.T) {
	c := NewClient(fastOptions(1), Handlers{}, zerolog.Nop())

	err := c.SendFrame(context.Background(), []byte{0x11})
	if !errors.Is(err, ErrNotOpen) {
		t.Errorf("Expected ErrNotOpen, got %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("Expected state idle, got %s", c.State())
	}
}

func TestClient_NormalCloseCallsOnClose(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	c := NewClient(fastOptions(3), rec.handlers(), zerolog.Nop())
	if err := c.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	server := ts.next(t)

	server.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))

	waitFor(t, rec.closed, "OnClose")
	expectNone(t, rec.reconnect, "reconnect", 100*time.Millisecond)
	if c.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", c.State())
	}
	if n := ts.requests.Load(); n != 1 {
		t.Errorf("Expected 1 handshake, got %d", n)
	}
	if err := c.SendFrame(context.Background(), []byte{0x11}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Expected ErrNotOpen after close, got %v", err)
	}
}

func TestClient_ReconnectsAfterAbnormalClose(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	c := NewClient(fastOptions(3), rec.handlers(), zerolog.Nop())
	if err := c.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer c.Disconnect("test done")

	first := ts.next(t)
	first.UnderlyingConn().Close() // no close frame

	if attempt := waitFor(t, rec.reconnect, "OnReconnect"); attempt != 1 {
		t.Errorf("Expected reconnect on attempt 1, got %d", attempt)
	}
	second := ts.next(t)
	if c.State() != StateOpen {
		t.Errorf("Expected state open after reconnect, got %s", c.State())
	}

	second.WriteMessage(websocket.BinaryMessage, audioFrame([]byte{9}))
	if f := waitFor(t, rec.audio, "audio after reconnect"); !bytes.Equal(f.Audio, []byte{9}) {
		t.Errorf("Expected audio [9], got %v", f.Audio)
	}
}

func TestClient_ReconnectNeverExceedsMaxAttempts(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	c := NewClient(fastOptions(2), rec.handlers(), zerolog.Nop())
	if err := c.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	ts.rejectAll.Store(true)
	ts.next(t).UnderlyingConn().Close()

	err := waitFor(t, rec.errs, "OnError")
	if streamerr.KindOf(err) != streamerr.KindConnection {
		t.Errorf("Expected connection error, got %v", err)
	}
	if !errors.Is(err, resilience.ErrReconnectExhausted) {
		t.Errorf("Expected ErrReconnectExhausted, got %v", err)
	}
	expectNone(t, rec.reconnect, "reconnect", 100*time.Millisecond)
	// one handshake for the original socket plus two attempts
	if n := ts.requests.Load(); n != 3 {
		t.Errorf("Expected 3 handshakes, got %d", n)
	}
	if c.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", c.State())
	}
}

func TestClient_DisconnectNeverReconnects(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	c := NewClient(fastOptions(3), rec.handlers(), zerolog.Nop())
	if err := c.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	server := ts.next(t)

	c.Disconnect("user stopped")
	c.Disconnect("again")

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := server.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected close 1000 at the server, got %v", err)
	}

	expectNone(t, rec.reconnect, "reconnect", 100*time.Millisecond)
	expectNone(t, rec.closed, "OnClose", 10*time.Millisecond)
	expectNone(t, rec.errs, "OnError", 10*time.Millisecond)
	if n := ts.requests.Load(); n != 1 {
		t.Errorf("Expected 1 handshake, got %d", n)
	}
	if c.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", c.State())
	}
}

func TestClient_DisconnectBeforeConnect(t *testing.T) {
	c := NewClient(fastOptions(1), Handlers{}, zerolog.Nop())
	c.Disconnect("nothing to close")
	if c.State() != StateIdle {
		t.Errorf("Expected state idle, got %s", c.State())
	}
}

func TestClient_InitialDialRetried(t *testing.T) {
	ts := newTestServer(t)
	ts.rejectN.Store(1)
	c := NewClient(fastOptions(3), Handlers{}, zerolog.Nop())

	if err := c.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer c.Disconnect("test done")
	if n := ts.requests.Load(); n != 2 {
		t.Errorf("Expected 2 handshakes, got %d", n)
	}
}

func TestClient_ConnectFailsAfterRetries(t *testing.T) {
	ts := newTestServer(t)
	ts.rejectAll.Store(true)
	c := NewClient(fastOptions(2), Handlers{}, zerolog.Nop())

	err := c.Connect(context.Background(), ts.wsURL())
	if streamerr.KindOf(err) != streamerr.KindConnection {
		t.Fatalf("Expected connection error, got %v", err)
	}
	if n := ts.requests.Load(); n != 3 {
		t.Errorf("Expected 3 handshakes, got %d", n)
	}
	if c.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", c.State())
	}
}

func TestClient_ConnectSupersedesOpenSocket(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	c := NewClient(fastOptions(3), rec.handlers(), zerolog.Nop())

	if err := c.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatalf("first Connect() failed: %v", err)
	}
	first := ts.next(t)

	if err := c.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatalf("second Connect() failed: %v", err)
	}
	defer c.Disconnect("test done")
	second := ts.next(t)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected first socket closed with 1000, got %v", err)
	}
	expectNone(t, rec.reconnect, "reconnect of superseded socket", 100*time.Millisecond)

	second.WriteMessage(websocket.BinaryMessage, audioFrame([]byte{7}))
	if f := waitFor(t, rec.audio, "audio on new socket"); !bytes.Equal(f.Audio, []byte{7}) {
		t.Errorf("Expected audio [7], got %v", f.Audio)
	}
}

func TestClient_CircuitOpenFailsFast(t *testing.T) {
	ts := newTestServer(t)
	ts.rejectAll.Store(true)
	opts := fastOptions(3)
	opts.Breaker = resilience.NewCircuitBreaker("voice_backend", 1, time.Minute)
	c := NewClient(opts, Handlers{}, zerolog.Nop())

	err := c.Connect(context.Background(), ts.wsURL())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	// the first failure opens the breaker; the retry is refused locally
	if n := ts.requests.Load(); n != 1 {
		t.Errorf("Expected 1 handshake, got %d", n)
	}
}

func TestCoderDialer_ReceivesAndCloses(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	opts := fastOptions(1)
	opts.Dialer = NewCoderDialer(DialerOptions{HandshakeTimeout: time.Second, MaxMessageBytes: 1 << 20})
	c := NewClient(opts, rec.handlers(), zerolog.Nop())

	if err := c.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	server := ts.next(t)

	server.WriteMessage(websocket.BinaryMessage, audioFrame([]byte{4, 2}))
	if f := waitFor(t, rec.audio, "audio frame"); !bytes.Equal(f.Audio, []byte{4, 2}) {
		t.Errorf("Expected audio [4 2], got %v", f.Audio)
	}

	server.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	waitFor(t, rec.closed, "OnClose")
}

func TestNewDialer(t *testing.T) {
	if _, err := NewDialer("gorilla", DialerOptions{}); err != nil {
		t.Errorf("Expected gorilla driver, got %v", err)
	}
	if _, err := NewDialer("coder", DialerOptions{}); err != nil {
		t.Errorf("Expected coder driver, got %v", err)
	}
	if _, err := NewDialer("nhooyr", DialerOptions{}); err == nil {
		t.Error("Expected error for unknown driver")
	}
}

func TestIsNormalClose(t *testing.T) {
	if !IsNormalClose(&CloseError{Code: CloseNormal}) {
		t.Error("Expected 1000 to be a normal close")
	}
	if IsNormalClose(&CloseError{Code: 1006}) {
		t.Error("Expected 1006 to be abnormal")
	}
	if IsNormalClose(errors.New("EOF")) {
		t.Error("Expected plain error to be abnormal")
	}
}
