package device

import (
	"context"
	"fmt"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/vitacare/voice-stream/internal/audio"
)

// CaptureOptions configures the microphone device
type CaptureOptions struct {
	SampleRate int
	FrameSize  int // samples per delivered frame
}

// Capture records mono PCM16 from the default input device and delivers it
// in fixed-size frames.
type Capture struct {
	device    *malgo.Device
	ring      *audio.SampleRing
	frameSize int
	ready     chan struct{}
	logger    zerolog.Logger
}

// NewCapture opens the default capture device
func NewCapture(c *Context, opts CaptureOptions, logger zerolog.Logger) (*Capture, error) {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = opts.SampleRate / 50
	}

	capt := newCapture(opts.FrameSize, opts.SampleRate, logger)

	format := malgo.FormatS16
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(opts.SampleRate)
	cfg.Capture.Format = format
	cfg.Capture.Channels = 1
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = uint32(opts.FrameSize)
	cfg.Periods = 3

	bytesPerFrame := malgo.SampleSizeInBytes(format)
	dev, err := malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			capt.feed(pInput[:n])
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize capture device: %w", err)
	}
	capt.device = dev
	return capt, nil
}

func newCapture(frameSize, sampleRate int, logger zerolog.Logger) *Capture {
	return &Capture{
		ring:      audio.NewSampleRing(sampleRate * 2), // two seconds of slack
		frameSize: frameSize,
		ready:     make(chan struct{}, 1),
		logger:    logger.With().Str("component", "capture_device").Logger(),
	}
}

// feed runs on the audio thread and must not block
func (c *Capture) feed(pcm []byte) {
	c.ring.Write(audio.BytesToSamples(pcm))
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Run starts the device and calls onFrame for every complete frame until ctx
// is done.
func (c *Capture) Run(ctx context.Context, onFrame func([]int16)) error {
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	defer func() {
		if err := c.device.Stop(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to stop capture device")
		}
	}()
	return c.pump(ctx, onFrame)
}

func (c *Capture) pump(ctx context.Context, onFrame func([]int16)) error {
	for {
		select {
		case <-ctx.Done():
			if dropped := c.ring.Dropped(); dropped > 0 {
				c.logger.Warn().Uint64("dropped_samples", dropped).Msg("Capture overflowed")
			}
			return nil
		case <-c.ready:
			for {
				frame := c.ring.ReadFrame(c.frameSize)
				if frame == nil {
					break
				}
				onFrame(frame)
			}
		}
	}
}

// Close releases the device
func (c *Capture) Close() {
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
}
