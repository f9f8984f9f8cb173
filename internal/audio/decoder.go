package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hajimehoshi/go-mp3"
	"github.com/zaf/g711"
)

// Format is the encoding of audio bytes on the wire
type Format string

const (
	FormatMP3  Format = "mp3"
	FormatPCM  Format = "pcm" // 16-bit little-endian
	FormatULaw Format = "ulaw"
	FormatALaw Format = "alaw"
)

var (
	// ErrUnsupportedFormat is returned for formats with no decoder
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrDecode wraps failures inside a decoder
	ErrDecode = errors.New("audio decode failed")
)

// ParseFormat maps a config or server format name to a Format
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mp3", "mpeg":
		return FormatMP3, nil
	case "pcm", "pcm16", "pcm_s16le", "linear16":
		return FormatPCM, nil
	case "ulaw", "mulaw", "pcmu", "g711_ulaw":
		return FormatULaw, nil
	case "alaw", "pcma", "g711_alaw":
		return FormatALaw, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// Buffer is a decoded run of interleaved 16-bit PCM
type Buffer struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length in seconds
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Decoder turns accumulated wire bytes into PCM. Decoders are stateful per
// stream: bytes that do not form a complete unit are carried into the next
// call. A call that yields no audio returns (nil, nil).
type Decoder interface {
	Decode(data []byte) (*Buffer, error)
	Format() Format
}

// NewDecoder creates a decoder for one stream. sampleRate and channels
// describe raw formats; mp3 reads them from the stream.
func NewDecoder(format Format, sampleRate, channels int) (Decoder, error) {
	if channels <= 0 {
		channels = 1
	}
	switch format {
	case FormatMP3:
		return &mp3Decoder{}, nil
	case FormatPCM, FormatULaw, FormatALaw:
		if sampleRate <= 0 {
			return nil, fmt.Errorf("%w: %s needs a sample rate", ErrUnsupportedFormat, format)
		}
		return &rawDecoder{format: format, sampleRate: sampleRate, channels: channels}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// rawDecoder handles headerless PCM and G.711 streams
type rawDecoder struct {
	format     Format
	sampleRate int
	channels   int
	carry      []byte
}

func (d *rawDecoder) Format() Format { return d.format }

func (d *rawDecoder) Decode(data []byte) (*Buffer, error) {
	buf := data
	if len(d.carry) > 0 {
		buf = append(d.carry, data...)
		d.carry = nil
	}

	unit := d.channels
	if d.format == FormatPCM {
		unit *= 2
	}
	usable := len(buf) - len(buf)%unit
	if usable < len(buf) {
		d.carry = append([]byte(nil), buf[usable:]...)
	}
	if usable == 0 {
		return nil, nil
	}
	buf = buf[:usable]

	var pcm []byte
	switch d.format {
	case FormatULaw:
		pcm = g711.DecodeUlaw(buf)
	case FormatALaw:
		pcm = g711.DecodeAlaw(buf)
	default:
		pcm = buf
	}
	return &Buffer{
		Samples:    BytesToSamples(pcm),
		SampleRate: d.sampleRate,
		Channels:   d.channels,
	}, nil
}

// mp3Decoder hands only whole MPEG frames to go-mp3 and keeps a partial
// trailing frame for the next call. One go-mp3 decoder reads the whole
// stream so the bit reservoir and the synthesis overlap carry across
// batches. It is only ever asked for the output of frames already fed to it:
// go-mp3 drops its previous frame when it runs into the end of its input.
type mp3Decoder struct {
	split frameSplitter
	src   bytes.Buffer
	dec   *mp3.Decoder
}

func (d *mp3Decoder) Format() Format { return FormatMP3 }

func (d *mp3Decoder) Decode(data []byte) (*Buffer, error) {
	frames, pcmBytes := d.split.push(data)
	if len(frames) == 0 {
		return nil, nil
	}
	d.src.Write(frames)

	if d.dec == nil {
		dec, err := mp3.NewDecoder(&d.src)
		if err != nil {
			return nil, fmt.Errorf("%w: mp3: %v", ErrDecode, err)
		}
		d.dec = dec
	}
	pcm := make([]byte, pcmBytes)
	n, err := io.ReadFull(d.dec, pcm)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("%w: mp3: %v", ErrDecode, err)
	}
	// go-mp3 always renders 16-bit stereo
	return &Buffer{
		Samples:    BytesToSamples(pcm[:n]),
		SampleRate: d.dec.SampleRate(),
		Channels:   2,
	}, nil
}

const maxMP3Carry = 64 * 1024

var (
	mp3BitratesV1 = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
	mp3BitratesV2 = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0}

	mp3SampleRates = map[byte][3]int{
		3: {44100, 48000, 32000}, // MPEG-1
		2: {22050, 24000, 16000}, // MPEG-2
		0: {11025, 12000, 8000},  // MPEG-2.5
	}
)

// mp3PCMBytes is what go-mp3 renders for one frame: 1152 stereo 16-bit
// samples for MPEG-1, 576 for the low sampling frequencies
func mp3PCMBytes(hdr []byte) int {
	if (hdr[1]>>3)&0x3 == 3 {
		return 1152 * 4
	}
	return 576 * 4
}

// mp3FrameLength parses a Layer III frame header and returns the frame size
// in bytes, or 0 when hdr is not a valid header.
func mp3FrameLength(hdr []byte) int {
	if len(hdr) < 4 || hdr[0] != 0xFF || hdr[1]&0xE0 != 0xE0 {
		return 0
	}
	version := (hdr[1] >> 3) & 0x3
	layer := (hdr[1] >> 1) & 0x3
	if version == 1 || layer != 1 {
		return 0
	}
	bitrateIdx := hdr[2] >> 4
	rateIdx := (hdr[2] >> 2) & 0x3
	if bitrateIdx == 0 || bitrateIdx == 15 || rateIdx == 3 {
		return 0
	}
	padding := int((hdr[2] >> 1) & 0x1)
	sampleRate := mp3SampleRates[version][rateIdx]

	if version == 3 {
		return 144*mp3BitratesV1[bitrateIdx]*1000/sampleRate + padding
	}
	return 72*mp3BitratesV2[bitrateIdx]*1000/sampleRate + padding
}

// frameSplitter cuts a byte stream at MPEG frame boundaries. ID3v2 tags and
// garbage between frames are dropped.
type frameSplitter struct {
	carry   []byte
	skipTag int
}

// push returns the whole frames now available and the PCM size they decode to
func (s *frameSplitter) push(data []byte) (out []byte, pcmBytes int) {
	buf := data
	if len(s.carry) > 0 {
		buf = append(s.carry, data...)
		s.carry = nil
	}
	if s.skipTag > 0 {
		n := min(s.skipTag, len(buf))
		buf = buf[n:]
		s.skipTag -= n
	}

	i := 0
	for i < len(buf) {
		rest := buf[i:]
		if len(rest) < 10 && (len(rest) < 4 || bytes.HasPrefix([]byte("ID3"), rest[:min(3, len(rest))])) {
			s.keep(rest)
			return out, pcmBytes
		}
		if bytes.HasPrefix(rest, []byte("ID3")) && len(rest) >= 10 {
			size := id3Size(rest[6:10])
			if rest[5]&0x10 != 0 {
				size += 10 // footer
			}
			total := 10 + size
			if total > len(rest) {
				s.skipTag = total - len(rest)
				return out, pcmBytes
			}
			i += total
			continue
		}
		n := mp3FrameLength(rest)
		if n == 0 {
			i++
			continue
		}
		if n > len(rest) {
			s.keep(rest)
			return out, pcmBytes
		}
		out = append(out, rest[:n]...)
		pcmBytes += mp3PCMBytes(rest)
		i += n
	}
	return out, pcmBytes
}

func (s *frameSplitter) keep(rest []byte) {
	if len(rest) > maxMP3Carry {
		rest = rest[len(rest)-maxMP3Carry:]
	}
	s.carry = append([]byte(nil), rest...)
}

// id3Size decodes a 28-bit syncsafe integer
func id3Size(b []byte) int {
	return int(b[0]&0x7F)<<21 | int(b[1]&0x7F)<<14 | int(b[2]&0x7F)<<7 | int(b[3]&0x7F)
}
