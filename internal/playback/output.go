package playback

import (
	"context"

	"github.com/vitacare/voice-stream/internal/audio"
)

// OutputState mirrors the lifecycle of an audio output
type OutputState int

const (
	OutputRunning OutputState = iota
	OutputSuspended
	OutputClosed
)

func (s OutputState) String() string {
	switch s {
	case OutputRunning:
		return "running"
	case OutputSuspended:
		return "suspended"
	case OutputClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Output is an audio sink with its own clock. Times are seconds on that
// clock.
//
// Schedule must not invoke onEnded synchronously. A start time in the past
// means "as soon as possible".
type Output interface {
	CurrentTime() float64
	State() OutputState
	Resume(ctx context.Context) error
	Schedule(buf *audio.Buffer, at float64, onEnded func()) (Source, error)
}

// Source is one scheduled buffer. Stop cancels it; onEnded is not called
// afterwards.
type Source interface {
	Stop()
}
