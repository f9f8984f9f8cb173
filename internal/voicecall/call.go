package voicecall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitacare/voice-stream/internal/audio"
	"github.com/vitacare/voice-stream/internal/observability"
	"github.com/vitacare/voice-stream/internal/playback"
	"github.com/vitacare/voice-stream/internal/protocol"
	"github.com/vitacare/voice-stream/internal/streamerr"
	"github.com/vitacare/voice-stream/internal/transport"
)

var (
	// ErrNotActive is returned when sending outside an active call
	ErrNotActive = errors.New("voicecall: call not active")
	// ErrAlreadyDialed is returned by a second Dial
	ErrAlreadyDialed = errors.New("voicecall: already dialed")
)

// State is the lifecycle of a call
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Callbacks notify the UI layer about a call
type Callbacks struct {
	OnTranscript    func(text string, final bool)
	OnReply         func(text string)
	OnPlaybackStart func()
	OnPlaybackStop  func()
	OnError         func(message string)
	OnStateChange   func(State)
}

// Options configures a Call
type Options struct {
	URL       string
	Transport transport.Options
	Output    playback.Output
	SessionID string // generated when empty
	Speaker   string

	// downlink, the assistant's voice
	OutputFormat     audio.Format
	OutputSampleRate int
	OutputChannels   int
	Threshold        int

	// uplink, the microphone
	InputFormat     audio.Format
	InputSampleRate int
	VAD             *audio.VADConfig
}

// Call is one live voice conversation. Microphone frames go up through an
// energy gate; the assistant's audio comes down and is played gaplessly, one
// utterance per scheduler cycle. A Call is dialed once.
type Call struct {
	opts   Options
	cb     Callbacks
	id     string
	logger zerolog.Logger

	client  *transport.Client
	sched   *playback.Scheduler
	acc     *audio.Accumulator
	metrics *observability.SessionMetrics

	decMu sync.Mutex
	dec   audio.Decoder

	vadMu sync.Mutex
	vad   *audio.VADDetector

	mu    sync.Mutex
	state State

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	dialed    atomic.Bool
	ended     atomic.Bool
	dropping  atomic.Bool // after barge-in, until the interrupted reply is over
	lastFinal atomic.Value
}

// New creates an idle call
func New(opts Options, cb Callbacks, logger zerolog.Logger) (*Call, error) {
	if opts.Output == nil {
		return nil, errors.New("voicecall: output is required")
	}
	if opts.URL == "" {
		return nil, errors.New("voicecall: url is required")
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = audio.FormatPCM
	}
	if opts.InputFormat == "" {
		opts.InputFormat = audio.FormatPCM
	}
	if opts.InputSampleRate <= 0 {
		opts.InputSampleRate = 16000
	}
	if opts.OutputChannels <= 0 {
		opts.OutputChannels = 1
	}
	if _, err := audio.Encode(nil, opts.InputFormat); err != nil {
		return nil, fmt.Errorf("voicecall: %w", err)
	}
	dec, err := audio.NewDecoder(opts.OutputFormat, opts.OutputSampleRate, opts.OutputChannels)
	if err != nil {
		return nil, fmt.Errorf("voicecall: %w", err)
	}

	id := opts.SessionID
	if id == "" {
		id = observability.NewSessionID()
	}
	logger = observability.WithSessionID(logger.With().Str("component", "voice_call").Logger(), id)

	c := &Call{
		opts:    opts,
		cb:      cb,
		id:      id,
		logger:  logger,
		acc:     audio.NewAccumulator(opts.Threshold),
		dec:     dec,
		vad:     audio.NewVADDetector(opts.VAD),
		metrics: observability.NewSessionMetrics("call", id),
		state:   StateIdle,
	}
	c.lastFinal.Store("")
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.sched = playback.NewScheduler(opts.Output, playback.Callbacks{
		OnStart: c.onPlaybackStart,
		OnStop:  c.onPlaybackStop,
		OnError: c.fail,
	}, logger)
	c.sched.SetObserver(c.metrics)

	c.client = transport.NewClient(opts.Transport, transport.Handlers{
		OnAudio:     c.onAudio,
		OnControl:   c.onControl,
		OnClose:     c.onServerClose,
		OnError:     c.fail,
		OnReconnect: c.onReconnect,
		OnProtocolError: func(err error) {
			c.metrics.RecordError(streamerr.KindOf(err).String(), "voicecall")
		},
	}, logger)
	return c, nil
}

// ID returns the session id of the call
func (c *Call) ID() string {
	return c.id
}

// State returns the current lifecycle state
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dial opens the socket and starts the logical connection and session. The
// call becomes active once the server confirms the session.
func (c *Call) Dial(ctx context.Context) error {
	if !c.dialed.CompareAndSwap(false, true) {
		return ErrAlreadyDialed
	}

	spanCtx, span := observability.StartSessionSpan(ctx, "call", c.id,
		attribute.String("call.speaker", c.opts.Speaker),
	)
	c.span = span
	idle := c.cancel
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(spanCtx))
	idle()

	c.metrics.RecordSessionStart()
	c.setState(StateConnecting)
	c.logger.Info().Str("speaker", c.opts.Speaker).Msg("Dialing voice call")

	if err := c.client.Connect(ctx, c.opts.URL); err != nil {
		if errors.Is(err, transport.ErrClosedByClient) {
			return err
		}
		c.fail(err)
		return err
	}
	if err := c.sched.Begin(ctx); err != nil {
		c.fail(err)
		return err
	}
	if err := c.handshake(ctx); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// handshake starts the logical connection and the session on a fresh socket
func (c *Call) handshake(ctx context.Context) error {
	start, err := protocol.StartConnection()
	if err != nil {
		return err
	}
	if err := c.client.SendFrame(ctx, start); err != nil {
		return err
	}

	session, err := protocol.StartSession(c.id, protocol.StartSessionPayload{
		Speaker: c.opts.Speaker,
		Output: protocol.AudioSpec{
			Format:     string(c.opts.OutputFormat),
			SampleRate: c.opts.OutputSampleRate,
			Channels:   c.opts.OutputChannels,
		},
		Input: protocol.AudioSpec{
			Format:     string(c.opts.InputFormat),
			SampleRate: c.opts.InputSampleRate,
			Channels:   1,
		},
	})
	if err != nil {
		return err
	}
	return c.client.SendFrame(ctx, session)
}

// SendAudio sends one captured mono PCM16 frame. Frames the VAD classifies as
// silence outside speech are skipped and nil is returned.
func (c *Call) SendAudio(pcm []int16) error {
	if c.State() != StateActive {
		return ErrNotActive
	}

	c.vadMu.Lock()
	send := c.vad.Gate(pcm)
	c.vadMu.Unlock()
	if !send {
		return nil
	}

	data, err := audio.Encode(pcm, c.opts.InputFormat)
	if err != nil {
		return err
	}
	frame, err := protocol.AudioChunk(c.id, data)
	if err != nil {
		return err
	}
	if err := c.client.SendFrame(c.ctx, frame); err != nil {
		return err
	}
	c.metrics.RecordAudioBytes("out", len(data))
	return nil
}

// SendText injects a typed user message
func (c *Call) SendText(text string) error {
	if c.State() != StateActive {
		return ErrNotActive
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	frame, err := protocol.TextQuery(c.id, text)
	if err != nil {
		return err
	}
	return c.client.SendFrame(c.ctx, frame)
}

// Interrupt stops the assistant's current utterance. Audio still in flight
// for it is dropped; the next reply plays normally.
func (c *Call) Interrupt() {
	if c.ended.Load() {
		return
	}
	c.dropping.Store(true)
	// stop first: a decode already in flight then finds its epoch stale
	c.sched.Stop()
	c.resetDownlink()
	c.logger.Debug().Msg("Playback interrupted")
}

// Hangup ends the session and the logical connection, then closes the
// socket. Safe to call repeatedly and in any state.
func (c *Call) Hangup() {
	if c.State() == StateActive {
		ctx, cancel := context.WithTimeout(c.ctx, time.Second)
		if frame, err := protocol.FinishSession(c.id); err == nil {
			if err := c.client.SendFrame(ctx, frame); err != nil {
				c.logger.Debug().Err(err).Msg("FinishSession not sent")
			}
		}
		if frame, err := protocol.FinishConnection(); err == nil {
			if err := c.client.SendFrame(ctx, frame); err != nil {
				c.logger.Debug().Err(err).Msg("FinishConnection not sent")
			}
		}
		cancel()
	}
	c.shutdown("hangup", nil)
}

// --- transport handlers, on the socket's read goroutine ---

func (c *Call) onAudio(f protocol.Frame) {
	if c.ended.Load() {
		return
	}
	c.metrics.RecordFrame(f.Kind.String())
	c.metrics.RecordAudioBytes("in", len(f.Audio))
	if c.dropping.Load() {
		return
	}
	if batch, ok := c.acc.Append(f.Audio); ok {
		c.decode(batch)
	}
	if f.Last {
		c.endUtterance()
	}
}

func (c *Call) onControl(f protocol.Frame) {
	if c.ended.Load() {
		return
	}
	c.metrics.RecordFrame(f.Kind.String())

	if msg := f.ServerError(); msg != "" {
		c.fail(streamerr.ServerReported(f.Event.String(), msg))
		return
	}

	switch f.Event {
	case protocol.EventConnectionStarted:
		c.logger.Debug().Str("connect_id", f.ConnectID).Msg("Connection started")
	case protocol.EventSessionStarted:
		c.logger.Info().Msg("Voice call active")
		c.setState(StateActive)
	case protocol.EventASRInfo:
		// the user started talking; whatever is left of the reply is stale
		if c.sched.IsPlaying() {
			c.logger.Info().Msg("Barge-in, interrupting playback")
		}
		c.Interrupt()
	case protocol.EventASRResponse:
		c.onTranscript(f)
	case protocol.EventASREnded:
		// a new reply follows the user's utterance
		c.dropping.Store(false)
	case protocol.EventChatResponse:
		reply, err := protocol.DecodePayload[protocol.ChatResponse](f.Control)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Malformed chat response")
			return
		}
		if reply.Content != "" && c.cb.OnReply != nil {
			c.cb.OnReply(reply.Content)
		}
	case protocol.EventTTSEnded:
		if c.dropping.Swap(false) {
			return
		}
		c.endUtterance()
	case protocol.EventSessionFinished, protocol.EventConnectionFinished:
		c.logger.Info().Str("event", f.Event.String()).Msg("Server ended the call")
		c.finishAfterPlayback()
	default:
		c.logger.Debug().Str("event", f.Event.String()).Msg("Control frame")
	}
}

func (c *Call) onTranscript(f protocol.Frame) {
	resp, err := protocol.DecodePayload[protocol.ASRResponse](f.Control)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Malformed ASR response")
		return
	}
	for _, r := range resp.Results {
		if r.Text == "" {
			continue
		}
		final := !r.IsInterim
		// the recognizer repeats finals
		if final && c.lastFinal.Swap(r.Text) == r.Text {
			continue
		}
		if c.cb.OnTranscript != nil {
			c.cb.OnTranscript(r.Text, final)
		}
	}
}

func (c *Call) onServerClose() {
	if c.ended.Load() {
		return
	}
	c.logger.Info().Msg("Server closed the call")
	c.finishAfterPlayback()
}

func (c *Call) onReconnect(attempt int) {
	if c.ended.Load() {
		return
	}
	c.metrics.RecordReconnect(true)
	// the new socket has neither the session nor the rest of the utterance
	c.sched.Stop()
	c.resetDownlink()
	c.dropping.Store(false)
	c.setState(StateConnecting)
	c.logger.Info().Int("attempt", attempt).Msg("Reconnected, restarting session")
	if err := c.handshake(c.ctx); err != nil {
		c.fail(err)
	}
}

// decode plays batch as part of the current utterance. Interrupt sets
// dropping before it stops the scheduler, so reading the epoch first means a
// barge-in during the decode drops the buffer.
func (c *Call) decode(batch []byte) {
	epoch := c.sched.Epoch()
	if c.dropping.Load() || c.ended.Load() {
		return
	}
	start := time.Now()
	c.decMu.Lock()
	buf, err := c.dec.Decode(batch)
	c.decMu.Unlock()
	c.metrics.RecordDecode(time.Since(start), err)
	if err != nil {
		c.fail(streamerr.Decode("decode audio", err))
		return
	}
	if buf != nil && !c.sched.EnqueueEpoch(epoch, buf) {
		c.logger.Debug().Msg("Dropped audio decoded across an interrupt")
	}
}

// endUtterance flushes the tail of the current reply and closes its cycle
func (c *Call) endUtterance() {
	if rest := c.acc.Flush(); len(rest) > 0 {
		c.decode(rest)
	}
	c.decMu.Lock()
	c.dec = c.newDecoder()
	c.decMu.Unlock()
	c.sched.MarkClosed()
}

// finishAfterPlayback ends the call once the last utterance played out. The
// state moves to ended first so the scheduler's stop can complete it.
func (c *Call) finishAfterPlayback() {
	c.setState(StateEnded)
	c.endUtterance()
	if !c.sched.IsPlaying() {
		c.shutdown("completed", nil)
	}
}

func (c *Call) resetDownlink() {
	c.acc.Reset()
	c.decMu.Lock()
	c.dec = c.newDecoder()
	c.decMu.Unlock()
}

func (c *Call) newDecoder() audio.Decoder {
	// options were validated in New
	dec, _ := audio.NewDecoder(c.opts.OutputFormat, c.opts.OutputSampleRate, c.opts.OutputChannels)
	return dec
}

// --- scheduler callbacks ---

func (c *Call) onPlaybackStart() {
	if c.cb.OnPlaybackStart != nil {
		c.cb.OnPlaybackStart()
	}
}

func (c *Call) onPlaybackStop() {
	if c.cb.OnPlaybackStop != nil {
		c.cb.OnPlaybackStop()
	}
	// the server already ended the call and this was its last utterance
	if c.State() == StateEnded {
		c.shutdown("completed", nil)
	}
}

// --- teardown ---

func (c *Call) setState(s State) {
	c.mu.Lock()
	// ended is final
	if c.state == s || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Debug().Str("state", s.String()).Msg("Call state changed")
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(s)
	}
}

func (c *Call) fail(err error) {
	c.shutdown(streamerr.KindOf(err).String()+"_error", err)
}

// shutdown ends the call once; later calls are no-ops. A non-nil cause is
// reported through OnError.
func (c *Call) shutdown(outcome string, cause error) {
	if !c.ended.CompareAndSwap(false, true) {
		return
	}
	c.client.Disconnect(outcome)
	c.sched.Stop()
	c.acc.Reset()
	c.cancel()

	// the error reaches the UI before the ended state
	if cause != nil {
		c.logger.Error().Err(cause).Msg("Voice call failed")
		c.metrics.RecordError(streamerr.KindOf(cause).String(), "voicecall")
		if c.cb.OnError != nil {
			c.cb.OnError(streamerr.UserMessage(cause))
		}
	}

	c.mu.Lock()
	prev := c.state
	c.state = StateEnded
	c.mu.Unlock()
	if prev != StateEnded && c.cb.OnStateChange != nil {
		c.cb.OnStateChange(StateEnded)
	}

	c.metrics.RecordSessionEnd(outcome)
	if c.span != nil {
		observability.EndSpan(c.span, cause)
	}
	c.logger.Info().Str("outcome", outcome).Msg("Voice call ended")
}
