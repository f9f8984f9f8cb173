package device

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/vitacare/voice-stream/internal/audio"
	"github.com/vitacare/voice-stream/internal/playback"
)

// mixer renders scheduled buffers onto a frame timeline. The device data
// callback drives it; the timeline only advances as frames are rendered, so
// its clock is sample accurate.
//
// A voice's onEnded fires one period before its last frame is rendered. The
// scheduler queues the next buffer from that callback, and it has to land on
// the timeline before the frame it starts at is rendered.
type mixer struct {
	rate      int
	channels  int
	lookahead uint64 // frames; at least one render period

	mu       sync.Mutex
	rendered uint64 // frames handed to the device
	voices   []*voice
	scratch  []int32
	closed   bool
}

type voice struct {
	m        *mixer
	start    uint64 // first frame on the timeline
	samples  []int16
	onEnded  func()
	notified bool
}

func newMixer(rate, channels int) *mixer {
	return &mixer{rate: rate, channels: channels}
}

func (m *mixer) now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.rendered) / float64(m.rate)
}

// add converts buf to the device format and schedules it at the given time
func (m *mixer) add(buf *audio.Buffer, at float64, onEnded func()) (*voice, error) {
	samples := audio.MapChannels(buf.Samples, buf.Channels, m.channels)
	samples = audio.Resample(samples, m.channels, buf.SampleRate, m.rate)

	start := uint64(0)
	if at > 0 {
		start = uint64(math.Round(at * float64(m.rate)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, playback.ErrOutputClosed
	}
	// the device may have moved on since the caller read the clock
	if start < m.rendered {
		start = m.rendered
	}
	v := &voice{m: m, start: start, samples: samples, onEnded: onEnded}
	m.voices = append(m.voices, v)
	return v, nil
}

// Stop removes the voice without running onEnded
func (v *voice) Stop() {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(v)
}

func (m *mixer) removeLocked(v *voice) {
	for i, cur := range m.voices {
		if cur == v {
			m.voices = append(m.voices[:i], m.voices[i+1:]...)
			return
		}
	}
}

// render fills out with frameCount interleaved S16LE frames
func (m *mixer) render(out []byte, frameCount int) {
	n := frameCount * m.channels
	if len(out) < n*2 {
		n = len(out) / 2
		frameCount = n / m.channels
		n = frameCount * m.channels
	}

	m.mu.Lock()
	if cap(m.scratch) < n {
		m.scratch = make([]int32, n)
	}
	mix := m.scratch[:n]
	clear(mix)

	from := m.rendered
	to := from + uint64(frameCount)
	horizon := to + max(m.lookahead, uint64(frameCount))
	var ended []*voice
	kept := m.voices[:0]
	for _, v := range m.voices {
		frames := uint64(len(v.samples) / m.channels)
		end := v.start + frames
		lo := max(v.start, from)
		hi := min(end, to)
		for f := lo; f < hi; f++ {
			src := int(f-v.start) * m.channels
			dst := int(f-from) * m.channels
			for c := 0; c < m.channels; c++ {
				mix[dst+c] += int32(v.samples[src+c])
			}
		}
		if !v.notified && end <= horizon {
			v.notified = true
			ended = append(ended, v)
		}
		if end > to {
			kept = append(kept, v)
		}
	}
	clear(m.voices[len(kept):])
	m.voices = kept
	m.rendered = to
	m.mu.Unlock()

	for i, s := range mix {
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}

	for _, v := range ended {
		if v.onEnded != nil {
			go v.onEnded()
		}
	}
}

// close drops every voice without running onEnded
func (m *mixer) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.voices = nil
}
