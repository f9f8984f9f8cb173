package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/vitacare/voice-stream/internal/audio"
	"github.com/vitacare/voice-stream/internal/playback"
)

// Context owns the miniaudio context shared by playback and capture devices
type Context struct {
	ctx *malgo.AllocatedContext
}

// NewContext initializes miniaudio with its default backends
func NewContext(logger zerolog.Logger) (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug().Str("component", "malgo").Msg(message)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo init context: %w", err)
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the context. Devices must be closed first.
func (c *Context) Close() error {
	err := c.ctx.Uninit()
	c.ctx.Free()
	return err
}

// PlaybackOptions configures the output device
type PlaybackOptions struct {
	SampleRate int
	Channels   int
}

// Playback is a playback.Output backed by a miniaudio S16 device. It starts
// suspended; the scheduler resumes it when a session begins.
type Playback struct {
	device *malgo.Device
	mixer  *mixer
	logger zerolog.Logger

	mu    sync.Mutex
	state playback.OutputState
}

// NewPlayback opens the default playback device
func NewPlayback(c *Context, opts PlaybackOptions, logger zerolog.Logger) (*Playback, error) {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 48000
	}
	if opts.Channels <= 0 {
		opts.Channels = 2
	}

	period := opts.SampleRate / 50 // 20ms
	p := &Playback{
		mixer:  newMixer(opts.SampleRate, opts.Channels),
		logger: logger.With().Str("component", "playback_device").Logger(),
		state:  playback.OutputSuspended,
	}
	p.mixer.lookahead = uint64(period)

	format := malgo.FormatS16
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(opts.SampleRate)
	cfg.Playback.Format = format
	cfg.Playback.Channels = uint32(opts.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = uint32(period)
	cfg.Periods = 3

	bytesPerFrame := malgo.SampleSizeInBytes(format) * opts.Channels
	dev, err := malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			n := int(frameCount)
			if len(pOutput) < n*bytesPerFrame {
				n = len(pOutput) / bytesPerFrame
			}
			p.mixer.render(pOutput, n)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	p.device = dev
	p.logger.Info().Int("sample_rate", opts.SampleRate).Int("channels", opts.Channels).Msg("Playback device ready")
	return p, nil
}

// CurrentTime returns seconds rendered since the device opened
func (p *Playback) CurrentTime() float64 {
	return p.mixer.now()
}

func (p *Playback) State() playback.OutputState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Resume starts the device
func (p *Playback) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case playback.OutputClosed:
		return playback.ErrOutputClosed
	case playback.OutputRunning:
		return nil
	}
	if err := p.device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}
	p.state = playback.OutputRunning
	return nil
}

// Suspend stops the device; the timeline pauses with it
func (p *Playback) Suspend() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != playback.OutputRunning {
		return nil
	}
	if err := p.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop playback device: %w", err)
	}
	p.state = playback.OutputSuspended
	return nil
}

// Schedule queues buf to start at the given timeline position
func (p *Playback) Schedule(buf *audio.Buffer, at float64, onEnded func()) (playback.Source, error) {
	v, err := p.mixer.add(buf, at, onEnded)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Close releases the device. Scheduled buffers are dropped without their
// completion callbacks.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == playback.OutputClosed {
		return nil
	}
	p.state = playback.OutputClosed
	p.mixer.close()
	p.device.Uninit()
	return nil
}
