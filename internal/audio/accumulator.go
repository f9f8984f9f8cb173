package audio

import (
	"sync"
)

// DefaultAccumulatorThreshold is roughly 1.5s of 128 kbps MP3
const DefaultAccumulatorThreshold = 24 * 1024

// Accumulator batches small network chunks into larger byte runs before they
// are handed to a decoder. Chunks are never split or reordered.
type Accumulator struct {
	threshold int
	chunks    [][]byte
	size      int
	mu        sync.Mutex
}

// NewAccumulator creates an accumulator that flushes once threshold bytes
// have been appended. A non-positive threshold uses the default.
func NewAccumulator(threshold int) *Accumulator {
	if threshold <= 0 {
		threshold = DefaultAccumulatorThreshold
	}
	return &Accumulator{threshold: threshold}
}

// Append adds a chunk. When the running total reaches the threshold it
// returns the concatenation of everything appended since the last flush and
// resets; otherwise it returns (nil, false).
func (a *Accumulator) Append(chunk []byte) ([]byte, bool) {
	if len(chunk) == 0 {
		return nil, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.chunks = append(a.chunks, chunk)
	a.size += len(chunk)
	if a.size < a.threshold {
		return nil, false
	}
	return a.drain(), true
}

// Flush returns whatever is buffered, possibly nothing, and resets.
func (a *Accumulator) Flush() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drain()
}

// Reset drops buffered bytes without returning them
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks = nil
	a.size = 0
}

// Len returns the number of buffered bytes
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Threshold returns the flush threshold in bytes
func (a *Accumulator) Threshold() int {
	return a.threshold
}

func (a *Accumulator) drain() []byte {
	if a.size == 0 {
		return nil
	}
	out := make([]byte, 0, a.size)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	a.chunks = nil
	a.size = 0
	return out
}
