package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/vitacare/voice-stream/internal/audio"
	"github.com/vitacare/voice-stream/internal/streamerr"
)

// ErrOutputClosed is returned when scheduling on a closed output
var ErrOutputClosed = errors.New("audio output closed")

// Callbacks are invoked outside the scheduler lock
type Callbacks struct {
	OnStart func()          // first buffer of a cycle scheduled
	OnStop  func()          // cycle ended, by draining after MarkClosed or by Stop
	OnError func(err error) // PlaybackError; the owner is expected to Stop
}

// Observer receives scheduling statistics
type Observer interface {
	BufferScheduled(seconds float64)
	Underrun()
}

// Scheduler plays decoded buffers back to back on an Output. It keeps a FIFO
// of pending buffers and a cursor, nextStartTime, on the output clock. Only
// one buffer is scheduled at a time; its completion schedules the next one
// exactly at the cursor, so consecutive buffers neither gap nor overlap.
type Scheduler struct {
	out      Output
	cb       Callbacks
	observer Observer
	logger   zerolog.Logger

	mu            sync.Mutex
	pending       *queue.Queue
	nextStartTime float64
	current       Source
	gen           uint64
	epoch         uint64 // bumped by Stop only
	active        bool // between Begin and finish/Stop
	started       bool // OnStart fired this cycle
	playing       bool // a source is scheduled
	closed        bool // no more buffers expected this cycle
	underruns     int
}

// NewScheduler creates a scheduler bound to one output
func NewScheduler(out Output, cb Callbacks, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		out:     out,
		cb:      cb,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		pending: queue.New(),
	}
}

// SetObserver attaches a statistics observer
func (s *Scheduler) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Begin starts a playback cycle: a suspended output is resumed and the
// cursor is set to the output's current time. Begin on an active cycle only
// resumes the output.
func (s *Scheduler) Begin(ctx context.Context) error {
	if err := s.resume(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.active {
		s.beginLocked()
	}
	var started bool
	var err error
	if !s.playing && s.pending.Length() > 0 {
		started, err = s.scheduleNextLocked(true)
	}
	s.mu.Unlock()

	s.notify(started, false, err)
	return err
}

// Enqueue appends a decoded buffer. An idle scheduler begins a new cycle on
// its own; a scheduler with nothing playing schedules the buffer right away.
func (s *Scheduler) Enqueue(buf *audio.Buffer) {
	s.enqueue(buf, 0, false)
}

// Epoch identifies the span between two Stop calls
func (s *Scheduler) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// EnqueueEpoch is Enqueue for a buffer decoded while epoch was current. If
// Stop ran in between the buffer is dropped and false is returned; a stale
// producer never begins a new cycle.
func (s *Scheduler) EnqueueEpoch(epoch uint64, buf *audio.Buffer) bool {
	return s.enqueue(buf, epoch, true)
}

func (s *Scheduler) enqueue(buf *audio.Buffer, epoch uint64, checkEpoch bool) bool {
	if buf == nil || buf.Frames() == 0 {
		return true
	}

	s.mu.Lock()
	if checkEpoch && epoch != s.epoch {
		s.mu.Unlock()
		return false
	}
	if !s.active {
		s.mu.Unlock()
		if err := s.resume(context.Background()); err != nil {
			s.notify(false, false, err)
			return false
		}
		s.mu.Lock()
		if checkEpoch && epoch != s.epoch {
			s.mu.Unlock()
			return false
		}
		if !s.active {
			s.beginLocked()
		}
	}

	s.pending.Add(buf)
	var started bool
	var err error
	if !s.playing {
		started, err = s.scheduleNextLocked(true)
	}
	s.mu.Unlock()

	s.notify(started, false, err)
	return true
}

// MarkClosed records that no more buffers will arrive for this cycle. The
// cycle finishes once the queue drains. It returns true when the cycle never
// started playing and there is nothing left to play, in which case no OnStop
// will follow.
func (s *Scheduler) MarkClosed() bool {
	s.mu.Lock()
	s.closed = true
	if s.playing || s.pending.Length() > 0 {
		s.mu.Unlock()
		return false
	}
	stopped := s.finishLocked()
	idle := !stopped
	s.mu.Unlock()

	s.notify(false, stopped, nil)
	return idle
}

// Stop cancels the scheduled source without running its completion, clears
// the queue and resets the cursor to 0. OnStop fires only if playback had
// started. Safe to call repeatedly and in any state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.gen++
	s.epoch++
	src := s.current
	s.current = nil
	s.pending = queue.New()
	s.nextStartTime = 0
	wasStarted := s.started
	s.started = false
	s.active = false
	s.playing = false
	s.closed = false
	s.mu.Unlock()

	if src != nil {
		src.Stop()
	}
	s.notify(false, wasStarted, nil)
}

// IsPlaying reports whether a cycle has started and not yet ended
func (s *Scheduler) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Pending returns the number of queued, not yet scheduled buffers
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Length()
}

// NextStartTime returns the cursor
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStartTime
}

// Underruns returns how often the queue ran dry mid-cycle and the next
// buffer had to start late
func (s *Scheduler) Underruns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.underruns
}

func (s *Scheduler) resume(ctx context.Context) error {
	if s.out.State() != OutputSuspended {
		return nil
	}
	if err := s.out.Resume(ctx); err != nil {
		return streamerr.Playback("resume output", err)
	}
	return nil
}

func (s *Scheduler) beginLocked() {
	s.gen++
	s.nextStartTime = s.out.CurrentTime()
	s.active = true
	s.started = false
	s.closed = false
	s.playing = false
}

// scheduleNextLocked schedules the queue head at the cursor. When the queue
// had run dry the cursor may lag the clock; the buffer then starts now.
func (s *Scheduler) scheduleNextLocked(afterIdle bool) (started bool, err error) {
	if s.pending.Length() == 0 {
		return false, nil
	}
	if s.out.State() == OutputClosed {
		return false, streamerr.Playback("schedule buffer", ErrOutputClosed)
	}
	buf := s.pending.Remove().(*audio.Buffer)

	at := s.nextStartTime
	if afterIdle {
		if now := s.out.CurrentTime(); at < now {
			if s.started {
				s.underruns++
				if s.observer != nil {
					s.observer.Underrun()
				}
				s.logger.Debug().Float64("lag_seconds", now-at).Msg("Playback underrun")
			}
			at = now
		}
	}

	gen := s.gen
	src, err := s.out.Schedule(buf, at, func() { s.onEnded(gen) })
	if err != nil {
		s.playing = false
		return false, streamerr.Playback("schedule buffer", err)
	}

	s.current = src
	s.playing = true
	s.nextStartTime = at + buf.Duration()
	if s.observer != nil {
		s.observer.BufferScheduled(buf.Duration())
	}

	if !s.started {
		s.started = true
		return true, nil
	}
	return false, nil
}

func (s *Scheduler) onEnded(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.playing = false

	var stopped bool
	var err error
	switch {
	case s.pending.Length() > 0:
		_, err = s.scheduleNextLocked(false)
	case s.closed:
		stopped = s.finishLocked()
	}
	s.mu.Unlock()

	s.notify(false, stopped, err)
}

// finishLocked ends a drained cycle and reports whether OnStop is due
func (s *Scheduler) finishLocked() bool {
	wasStarted := s.started
	s.gen++
	s.active = false
	s.started = false
	s.playing = false
	s.closed = false
	return wasStarted
}

func (s *Scheduler) notify(started, stopped bool, err error) {
	if started && s.cb.OnStart != nil {
		s.cb.OnStart()
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Playback failed")
		if s.cb.OnError != nil {
			s.cb.OnError(err)
		}
	}
	if stopped && s.cb.OnStop != nil {
		s.cb.OnStop()
	}
}
