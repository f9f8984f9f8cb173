package playback

import (
	"context"
	"sync"
	"time"

	"github.com/vitacare/voice-stream/internal/audio"
)

// ClockOutput is a headless Output. It renders nothing; a monotonic clock
// and timers stand in for the device so the pipeline keeps real-time
// behaviour without audio hardware.
type ClockOutput struct {
	mu      sync.Mutex
	origin  time.Time
	state   OutputState
	sources map[*clockSource]struct{}
}

// NewClockOutput creates a running clock output
func NewClockOutput() *ClockOutput {
	return &ClockOutput{
		origin:  time.Now(),
		state:   OutputRunning,
		sources: make(map[*clockSource]struct{}),
	}
}

// CurrentTime returns seconds since the output was created
func (c *ClockOutput) CurrentTime() float64 {
	return time.Since(c.origin).Seconds()
}

func (c *ClockOutput) State() OutputState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Resume moves a suspended output back to running
func (c *ClockOutput) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == OutputClosed {
		return ErrOutputClosed
	}
	c.state = OutputRunning
	return nil
}

// Suspend pauses the output until Resume
func (c *ClockOutput) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == OutputRunning {
		c.state = OutputSuspended
	}
}

// Schedule arms a timer that fires onEnded when the buffer would have
// finished playing.
func (c *ClockOutput) Schedule(buf *audio.Buffer, at float64, onEnded func()) (Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == OutputClosed {
		return nil, ErrOutputClosed
	}

	end := at + buf.Duration()
	delay := time.Duration((end - c.CurrentTime()) * float64(time.Second))
	if delay < 0 {
		delay = 0
	}

	src := &clockSource{owner: c}
	src.timer = time.AfterFunc(delay, func() {
		if src.finish() {
			onEnded()
		}
	})
	c.sources[src] = struct{}{}
	return src, nil
}

// Close stops every pending source
func (c *ClockOutput) Close() error {
	c.mu.Lock()
	c.state = OutputClosed
	srcs := make([]*clockSource, 0, len(c.sources))
	for s := range c.sources {
		srcs = append(srcs, s)
	}
	c.mu.Unlock()

	for _, s := range srcs {
		s.Stop()
	}
	return nil
}

func (c *ClockOutput) forget(s *clockSource) {
	c.mu.Lock()
	delete(c.sources, s)
	c.mu.Unlock()
}

type clockSource struct {
	owner *ClockOutput
	timer *time.Timer
	once  sync.Once
}

// finish reports whether this call is the one that ends the source
func (s *clockSource) finish() bool {
	won := false
	s.once.Do(func() {
		won = true
		s.owner.forget(s)
	})
	return won
}

func (s *clockSource) Stop() {
	s.timer.Stop()
	s.finish()
}
