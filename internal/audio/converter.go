package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zaf/g711"
)

// BytesToSamples converts 16-bit little-endian PCM into samples. A trailing
// odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes converts samples into 16-bit little-endian PCM
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Encode renders mono samples in a wire format for the uplink
func Encode(samples []int16, format Format) ([]byte, error) {
	switch format {
	case FormatPCM:
		return SamplesToBytes(samples), nil
	case FormatULaw:
		return g711.EncodeUlaw(SamplesToBytes(samples)), nil
	case FormatALaw:
		return g711.EncodeAlaw(SamplesToBytes(samples)), nil
	default:
		return nil, fmt.Errorf("%w: cannot encode %q", ErrUnsupportedFormat, format)
	}
}

// Resample performs linear interpolation resampling of interleaved samples
func Resample(samples []int16, channels, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}
	if channels < 1 {
		channels = 1
	}

	inFrames := len(samples) / channels
	if inFrames == 0 {
		return nil
	}
	ratio := float64(outputRate) / float64(inputRate)
	outFrames := int(float64(inFrames) * ratio)
	output := make([]int16, outFrames*channels)

	for i := 0; i < outFrames; i++ {
		srcPos := float64(i) / ratio
		idx0 := int(srcPos)
		if idx0 >= inFrames {
			idx0 = inFrames - 1
		}
		idx1 := idx0 + 1
		if idx1 >= inFrames {
			idx1 = inFrames - 1
		}
		fraction := srcPos - float64(idx0)

		for c := 0; c < channels; c++ {
			s0 := float64(samples[idx0*channels+c])
			s1 := float64(samples[idx1*channels+c])
			output[i*channels+c] = int16(s0*(1.0-fraction) + s1*fraction)
		}
	}

	return output
}

// ToMono averages interleaved channels down to one
func ToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// MapChannels converts interleaved audio between channel counts. Mono is
// duplicated to every output channel; otherwise channels are downmixed to
// mono first.
func MapChannels(samples []int16, from, to int) []int16 {
	if from == to || from < 1 || to < 1 {
		return samples
	}
	mono := ToMono(samples, from)
	if to == 1 {
		return mono
	}
	out := make([]int16, len(mono)*to)
	for i, s := range mono {
		for c := 0; c < to; c++ {
			out[i*to+c] = s
		}
	}
	return out
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
