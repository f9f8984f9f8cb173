package tts

import (
	"context"
	"errors"
	"fmt"
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

// ErrEmptyText is returned by Play when there is nothing to speak
var ErrEmptyText = errors.New("tts: empty text")

// Callbacks notify the UI layer. Each receives the session id it concerns.
type Callbacks struct {
	OnPlaybackStart func(sessionID string)
	OnPlaybackStop  func(sessionID string)
	OnError         func(sessionID, message string)
}

// VoiceResolver maps a requested voice id to a backend speaker
type VoiceResolver interface {
	Resolve(id, fallback string) string
}

// Options configures a Player
type Options struct {
	URL          string
	Transport    transport.Options
	Output       playback.Output
	Format       audio.Format
	SampleRate   int // raw formats only
	Channels     int
	Threshold    int // accumulator flush size in bytes
	Voices       VoiceResolver
	DefaultVoice string
}

// Player speaks one text at a time. Starting a new session tears down the
// previous one first.
type Player struct {
	opts   Options
	cb     Callbacks
	logger zerolog.Logger

	mu      sync.Mutex
	session *session
}

// NewPlayer creates a player writing to opts.Output
func NewPlayer(opts Options, cb Callbacks, logger zerolog.Logger) (*Player, error) {
	if opts.Output == nil {
		return nil, errors.New("tts: output is required")
	}
	if opts.URL == "" {
		return nil, errors.New("tts: url is required")
	}
	if opts.Format == "" {
		opts.Format = audio.FormatMP3
	}
	if _, err := audio.NewDecoder(opts.Format, opts.SampleRate, opts.Channels); err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	return &Player{
		opts:   opts,
		cb:     cb,
		logger: logger.With().Str("component", "tts_player").Logger(),
	}, nil
}

// Play opens a session for text and sends the synthesis request. It returns
// once the request is on the wire; audio is played as it streams in. An
// empty sessionID is generated; an empty voiceID uses the default voice.
func (p *Player) Play(ctx context.Context, text, sessionID, voiceID string) error {
	if text == "" {
		return ErrEmptyText
	}
	if sessionID == "" {
		sessionID = observability.NewSessionID()
	}

	s, err := p.newSession(ctx, text, sessionID, voiceID)
	if err != nil {
		return err
	}
	// swap in one step so concurrent Plays cannot both miss a session
	p.mu.Lock()
	prev := p.session
	p.session = s
	p.mu.Unlock()
	if prev != nil {
		prev.shutdown("stopped", nil)
	}

	s.logger.Info().Str("speaker", s.speaker).Int("text_length", len(text)).Msg("Starting TTS session")

	if err := s.client.Connect(ctx, p.opts.URL); err != nil {
		if errors.Is(err, transport.ErrClosedByClient) {
			// superseded by Stop or a newer Play while connecting
			return err
		}
		s.fail(err)
		return err
	}
	if s.closed.Load() {
		// stopped before Connect installed the link, so shutdown had no
		// socket to close
		s.client.Disconnect("superseded")
		return transport.ErrClosedByClient
	}
	if err := s.sched.Begin(ctx); err != nil {
		s.fail(err)
		return err
	}
	if err := s.sendRequest(ctx); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Stop tears down the active session: the socket is closed, scheduled audio
// is cancelled and flags are reset. OnPlaybackStop fires if audio had
// started. Safe in any state.
func (p *Player) Stop() {
	p.mu.Lock()
	s := p.session
	p.session = nil
	p.mu.Unlock()

	if s != nil {
		s.shutdown("stopped", nil)
	}
}

// Close stops playback. The output stays open; it belongs to the caller.
func (p *Player) Close() error {
	p.Stop()
	return nil
}

// IsPlaying reports whether audio of the current session has started and
// not yet finished
func (p *Player) IsPlaying() bool {
	s := p.current()
	return s != nil && s.sched.IsPlaying()
}

// IsLoading reports whether the current session is waiting for its first
// audio
func (p *Player) IsLoading() bool {
	s := p.current()
	return s != nil && s.loading.Load()
}

// CurrentSessionID returns the id of the active session, or ""
func (p *Player) CurrentSessionID() string {
	s := p.current()
	if s == nil {
		return ""
	}
	return s.id
}

func (p *Player) current() *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// detach clears s as the active session if it still is
func (p *Player) detach(s *session) {
	p.mu.Lock()
	if p.session == s {
		p.session = nil
	}
	p.mu.Unlock()
}

// session is one Play..Stop lifecycle
type session struct {
	p       *Player
	id      string
	text    string
	speaker string

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	client  *transport.Client
	acc     *audio.Accumulator
	dec     audio.Decoder
	sched   *playback.Scheduler
	metrics *observability.SessionMetrics
	logger  zerolog.Logger

	loading  atomic.Bool
	gotAudio atomic.Bool
	ended    atomic.Bool // no more audio expected
	closed   atomic.Bool
}

func (p *Player) newSession(ctx context.Context, text, id, voiceID string) (*session, error) {
	dec, err := audio.NewDecoder(p.opts.Format, p.opts.SampleRate, p.opts.Channels)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}

	speaker := voiceID
	if p.opts.Voices != nil {
		speaker = p.opts.Voices.Resolve(voiceID, p.opts.DefaultVoice)
	} else if speaker == "" {
		speaker = p.opts.DefaultVoice
	}

	s := &session{
		p:       p,
		id:      id,
		text:    text,
		speaker: speaker,
		acc:     audio.NewAccumulator(p.opts.Threshold),
		dec:     dec,
		metrics: observability.NewSessionMetrics("tts", id),
		logger:  observability.WithSessionID(p.logger, id),
	}

	spanCtx, span := observability.StartSessionSpan(context.WithoutCancel(ctx), "tts", id,
		attribute.String("tts.speaker", speaker),
		attribute.Int("tts.text_length", len(text)),
	)
	s.span = span
	s.ctx, s.cancel = context.WithCancel(spanCtx)

	s.sched = playback.NewScheduler(p.opts.Output, playback.Callbacks{
		OnStart: s.onPlaybackStart,
		OnStop:  s.onPlaybackStop,
		OnError: s.fail,
	}, s.logger)
	s.sched.SetObserver(s.metrics)

	s.client = transport.NewClient(p.opts.Transport, transport.Handlers{
		OnAudio:     s.onAudio,
		OnControl:   s.onControl,
		OnClose:     s.onServerClose,
		OnError:     s.fail,
		OnReconnect: s.onReconnect,
		OnProtocolError: func(err error) {
			s.metrics.RecordError(streamerr.KindOf(err).String(), "tts")
		},
	}, s.logger)

	s.loading.Store(true)
	s.metrics.RecordSessionStart()
	return s, nil
}

func (s *session) sendRequest(ctx context.Context) error {
	frame, err := protocol.Synthesize(s.id, protocol.SynthesisRequest{
		Text:       s.text,
		Speaker:    s.speaker,
		Format:     string(s.p.opts.Format),
		SampleRate: s.p.opts.SampleRate,
	})
	if err != nil {
		return err
	}
	return s.client.SendFrame(ctx, frame)
}

// --- transport handlers, all on the socket's read goroutine ---

func (s *session) onAudio(f protocol.Frame) {
	if s.closed.Load() || s.ended.Load() {
		return
	}
	s.metrics.RecordFrame(f.Kind.String())
	s.metrics.RecordAudioBytes("in", len(f.Audio))
	s.gotAudio.Store(true)

	if batch, ok := s.acc.Append(f.Audio); ok {
		s.decode(batch)
	}
	if f.Last {
		s.finishStream("last audio frame")
	}
}

func (s *session) onControl(f protocol.Frame) {
	if s.closed.Load() {
		return
	}
	s.metrics.RecordFrame(f.Kind.String())

	if msg := f.ServerError(); msg != "" {
		s.fail(streamerr.ServerReported(f.Event.String(), msg))
		return
	}
	if f.Event.Ends() || f.Last {
		s.finishStream(f.Event.String())
		return
	}
	s.logger.Debug().Str("event", f.Event.String()).Msg("Control frame")
}

func (s *session) onServerClose() {
	if s.closed.Load() {
		return
	}
	s.finishStream("server closed")
}

func (s *session) onReconnect(attempt int) {
	if s.closed.Load() {
		return
	}
	s.metrics.RecordReconnect(true)
	if !s.gotAudio.Load() {
		s.logger.Info().Int("attempt", attempt).Msg("Reconnected before audio, resending request")
		if err := s.sendRequest(s.ctx); err != nil {
			s.fail(err)
		}
		return
	}
	// the new socket knows nothing of the partial stream
	s.logger.Info().Int("attempt", attempt).Msg("Reconnected mid-stream, finishing with audio received so far")
	s.finishStream("reconnected mid-stream")
}

// decode plays batch unless the session stops while it decodes. The epoch is
// read before the closed check; shutdown sets closed before stopping the
// scheduler, so a Stop landing mid-decode always invalidates the epoch.
func (s *session) decode(batch []byte) {
	epoch := s.sched.Epoch()
	if s.closed.Load() {
		return
	}
	start := time.Now()
	buf, err := s.dec.Decode(batch)
	s.metrics.RecordDecode(time.Since(start), err)
	if err != nil {
		s.fail(streamerr.Decode("decode audio", err))
		return
	}
	if buf != nil && !s.sched.EnqueueEpoch(epoch, buf) {
		s.logger.Debug().Msg("Dropped audio decoded after stop")
	}
}

// finishStream flushes what is buffered and closes the scheduler cycle; the
// session completes once the queue drains.
func (s *session) finishStream(reason string) {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}
	s.logger.Debug().Str("reason", reason).Msg("Audio stream finished")
	s.client.Disconnect(reason)

	if rest := s.acc.Flush(); len(rest) > 0 {
		s.decode(rest)
	}
	if s.closed.Load() {
		return
	}
	if idle := s.sched.MarkClosed(); idle {
		// nothing was ever played, so no OnStop will complete the session
		s.complete()
	}
}

// --- scheduler callbacks ---

func (s *session) onPlaybackStart() {
	s.loading.Store(false)
	s.logger.Debug().Msg("Playback started")
	if cb := s.p.cb.OnPlaybackStart; cb != nil {
		cb(s.id)
	}
}

func (s *session) onPlaybackStop() {
	s.logger.Debug().Msg("Playback stopped")
	if cb := s.p.cb.OnPlaybackStop; cb != nil {
		cb(s.id)
	}
	s.complete()
}

// complete ends a session whose audio played out
func (s *session) complete() {
	s.shutdown("completed", nil)
}

// fail ends the session with err and reports it to the UI
func (s *session) fail(err error) {
	if !s.shutdown(streamerr.KindOf(err).String()+"_error", err) {
		return
	}
	s.logger.Error().Err(err).Msg("TTS session failed")
	s.metrics.RecordError(streamerr.KindOf(err).String(), "tts")
	if cb := s.p.cb.OnError; cb != nil {
		cb(s.id, streamerr.UserMessage(err))
	}
}

// shutdown is the single teardown path for stop, completion and failure. It
// reports whether this call performed the teardown.
func (s *session) shutdown(outcome string, cause error) bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.p.detach(s)
	s.loading.Store(false)
	s.ended.Store(true)

	s.client.Disconnect(outcome)
	s.sched.Stop()
	s.acc.Reset()
	s.cancel()

	s.metrics.RecordSessionEnd(outcome)
	observability.EndSpan(s.span, cause)
	s.logger.Info().Str("outcome", outcome).Msg("TTS session ended")
	return true
}
