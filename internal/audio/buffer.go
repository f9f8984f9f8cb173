package audio

import (
	"sync"
)

// SampleRing is a thread-safe ring of PCM samples sitting between a capture
// callback and the consumer that slices it into fixed-size frames. Writes
// that do not fit are dropped and counted.
type SampleRing struct {
	buffer  []int16
	size    int
	read    int
	write   int
	dropped uint64
	mu      sync.Mutex
}

// NewSampleRing creates a ring holding up to size-1 samples
func NewSampleRing(size int) *SampleRing {
	if size < 2 {
		size = 2
	}
	return &SampleRing{
		buffer: make([]int16, size),
		size:   size,
	}
}

// Write appends samples and returns how many were stored
func (r *SampleRing) Write(samples []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	written := 0
	for _, s := range samples {
		if (r.write+1)%r.size == r.read {
			break
		}
		r.buffer[r.write] = s
		r.write = (r.write + 1) % r.size
		written++
	}
	r.dropped += uint64(len(samples) - written)
	return written
}

// ReadFrame removes exactly n samples when that many are buffered. It returns
// nil otherwise.
func (r *SampleRing) ReadFrame(n int) []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || r.available() < n {
		return nil
	}
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = r.buffer[r.read]
		r.read = (r.read + 1) % r.size
	}
	return frame
}

// Available returns the number of buffered samples
func (r *SampleRing) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available()
}

// Dropped returns the number of samples lost to overflow
func (r *SampleRing) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear empties the ring
func (r *SampleRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read = 0
	r.write = 0
}

func (r *SampleRing) available() int {
	if r.write >= r.read {
		return r.write - r.read
	}
	return r.size - r.read + r.write
}
