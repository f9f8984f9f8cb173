package audio

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/zaf/g711"
)

// MPEG-1 Layer III, 128 kbps, 44.1 kHz, no padding: 417 bytes per frame
var mp3Header = []byte{0xFF, 0xFB, 0x90, 0x00}

func fakeMP3Frame(fill byte) []byte {
	f := make([]byte, 417)
	copy(f, mp3Header)
	for i := 4; i < len(f); i++ {
		f[i] = fill
	}
	return f
}

func TestBuffer_Duration(t *testing.T) {
	b := &Buffer{Samples: make([]int16, 48000*2), SampleRate: 24000, Channels: 2}
	if math.Abs(b.Duration()-2.0) > 1e-9 {
		t.Errorf("Expected duration 2.0, got %f", b.Duration())
	}
	var nilBuf *Buffer
	if nilBuf.Duration() != 0 {
		t.Error("Expected nil buffer duration 0")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"mp3", FormatMP3},
		{"PCM16", FormatPCM},
		{"pcmu", FormatULaw},
		{"alaw", FormatALaw},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseFormat("opus"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestNewDecoder_RawNeedsSampleRate(t *testing.T) {
	if _, err := NewDecoder(FormatPCM, 0, 1); err == nil {
		t.Error("Expected error for pcm without sample rate")
	}
}

func TestPCMDecoder_CarriesPartialSample(t *testing.T) {
	dec, err := NewDecoder(FormatPCM, 16000, 1)
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}

	pcm := SamplesToBytes([]int16{100, -200, 300})

	buf, err := dec.Decode(pcm[:3])
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if buf == nil || len(buf.Samples) != 1 || buf.Samples[0] != 100 {
		t.Fatalf("Expected one sample 100, got %+v", buf)
	}

	buf, err = dec.Decode(pcm[3:])
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if buf == nil || len(buf.Samples) != 2 || buf.Samples[0] != -200 || buf.Samples[1] != 300 {
		t.Fatalf("Expected samples -200 300, got %+v", buf)
	}
	if buf.SampleRate != 16000 || buf.Channels != 1 {
		t.Errorf("Unexpected format %d/%d", buf.SampleRate, buf.Channels)
	}
}

func TestPCMDecoder_StereoFrameAlignment(t *testing.T) {
	dec, _ := NewDecoder(FormatPCM, 48000, 2)
	pcm := SamplesToBytes([]int16{1, 2, 3, 4})

	buf, _ := dec.Decode(pcm[:6])
	if buf.Frames() != 1 {
		t.Errorf("Expected 1 frame, got %d", buf.Frames())
	}
	buf, _ = dec.Decode(pcm[6:])
	if buf.Frames() != 1 || buf.Samples[0] != 3 || buf.Samples[1] != 4 {
		t.Errorf("Expected second frame 3,4, got %v", buf.Samples)
	}
}

func TestPCMDecoder_TooShortYieldsNothing(t *testing.T) {
	dec, _ := NewDecoder(FormatPCM, 16000, 1)
	buf, err := dec.Decode([]byte{0x01})
	if err != nil || buf != nil {
		t.Errorf("Expected (nil, nil), got (%v, %v)", buf, err)
	}
}

func TestULawDecoder(t *testing.T) {
	dec, _ := NewDecoder(FormatULaw, 8000, 1)
	in := []byte{0x7F, 0xFF, 0x00, 0x80}
	buf, err := dec.Decode(in)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := BytesToSamples(g711.DecodeUlaw(in))
	if len(buf.Samples) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(buf.Samples))
	}
	for i := range want {
		if buf.Samples[i] != want[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, want[i], buf.Samples[i])
		}
	}
	if math.Abs(buf.Duration()-4.0/8000) > 1e-12 {
		t.Errorf("Unexpected duration %f", buf.Duration())
	}
}

func TestALawDecoder(t *testing.T) {
	dec, _ := NewDecoder(FormatALaw, 8000, 1)
	in := []byte{0xD5, 0x55, 0x2A}
	buf, err := dec.Decode(in)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(buf.Samples) != 3 {
		t.Errorf("Expected 3 samples, got %d", len(buf.Samples))
	}
}

func TestMP3FrameLength(t *testing.T) {
	if n := mp3FrameLength(mp3Header); n != 417 {
		t.Errorf("Expected 417, got %d", n)
	}
	padded := []byte{0xFF, 0xFB, 0x92, 0x00}
	if n := mp3FrameLength(padded); n != 418 {
		t.Errorf("Expected 418 with padding, got %d", n)
	}
	// MPEG-2, 64 kbps, 24 kHz
	v2 := []byte{0xFF, 0xF3, 0x84, 0x00}
	if n := mp3FrameLength(v2); n != 192 {
		t.Errorf("Expected 192, got %d", n)
	}
	if n := mp3FrameLength([]byte{0xFF, 0xFB, 0xF0, 0x00}); n != 0 {
		t.Errorf("Expected bad bitrate to be rejected, got %d", n)
	}
	if n := mp3FrameLength([]byte{0x00, 0x00, 0x00, 0x00}); n != 0 {
		t.Errorf("Expected missing sync to be rejected, got %d", n)
	}
}

func TestFrameSplitter_CarriesPartialFrame(t *testing.T) {
	var s frameSplitter
	f1 := fakeMP3Frame(0x11)
	f2 := fakeMP3Frame(0x22)
	stream := append(append([]byte{}, f1...), f2...)

	out, pcm := s.push(stream[:600])
	if !bytes.Equal(out, f1) {
		t.Fatalf("Expected first frame only, got %d bytes", len(out))
	}
	if pcm != 4608 {
		t.Errorf("Expected 4608 PCM bytes for one MPEG-1 frame, got %d", pcm)
	}
	out, _ = s.push(stream[600:])
	if !bytes.Equal(out, f2) {
		t.Fatalf("Expected second frame after carry, got %d bytes", len(out))
	}
}

func TestFrameSplitter_SkipsID3AndGarbage(t *testing.T) {
	var s frameSplitter
	tag := []byte{'I', 'D', '3', 4, 0, 0, 0, 0, 0, 5, 1, 2, 3, 4, 5}
	frame := fakeMP3Frame(0x33)

	stream := append(append(append([]byte{}, tag...), 0x00, 0x01), frame...)
	out, _ := s.push(stream)
	if !bytes.Equal(out, frame) {
		t.Errorf("Expected only the frame, got %d bytes", len(out))
	}
}

func TestFrameSplitter_TagSpanningCalls(t *testing.T) {
	var s frameSplitter
	// 20 byte tag body, only 5 bytes of it in the first call
	head := []byte{'I', 'D', '3', 4, 0, 0, 0, 0, 0, 20, 9, 9, 9, 9, 9}
	if out, _ := s.push(head); len(out) != 0 {
		t.Fatalf("Expected nothing from a partial tag, got %d bytes", len(out))
	}
	frame := fakeMP3Frame(0x44)
	rest := append(make([]byte, 15), frame...)
	out, _ := s.push(rest)
	if !bytes.Equal(out, frame) {
		t.Errorf("Expected frame after the tag, got %d bytes", len(out))
	}
}

func TestMP3Decoder_PartialFrameYieldsNothing(t *testing.T) {
	dec, err := NewDecoder(FormatMP3, 0, 0)
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	buf, err := dec.Decode(fakeMP3Frame(0)[:200])
	if err != nil || buf != nil {
		t.Errorf("Expected (nil, nil) for a partial frame, got (%v, %v)", buf, err)
	}
}

func TestMP3Decoder_OneStreamAcrossBatches(t *testing.T) {
	d := &mp3Decoder{}
	f1, f2, f3 := fakeMP3Frame(0), fakeMP3Frame(0), fakeMP3Frame(0)

	buf, err := d.Decode(append(append([]byte{}, f1...), f2[:100]...))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if buf.Frames() != 1152 || buf.SampleRate != 44100 || buf.Channels != 2 {
		t.Fatalf("Expected 1152 stereo frames at 44100, got %d at %d/%d", buf.Frames(), buf.SampleRate, buf.Channels)
	}
	first := d.dec

	buf, err = d.Decode(append(append([]byte{}, f2[100:]...), f3...))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if buf.Frames() != 2304 {
		t.Errorf("Expected 2304 frames from the second batch, got %d", buf.Frames())
	}
	if d.dec != first {
		t.Error("Expected the same go-mp3 decoder for the whole stream")
	}
	if d.src.Len() != 0 {
		t.Errorf("Expected every fed frame consumed, %d bytes left", d.src.Len())
	}
}
