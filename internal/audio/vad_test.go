package audio

import (
	"testing"
)

func constFrame(value int16, n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return samples
}

func TestVADDetector_Process(t *testing.T) {
	loud := constFrame(5000, 160)
	quiet := constFrame(10, 160)

	tests := []struct {
		name     string
		silence  int
		frames   [][]int16
		want     []VADEvent
		speaking bool
	}{
		{
			name:    "silence only",
			silence: 3,
			frames:  [][]int16{quiet, quiet, quiet, quiet},
			want:    []VADEvent{VADNone, VADNone, VADNone, VADNone},
		},
		{
			name:     "speech opens once",
			silence:  3,
			frames:   [][]int16{loud, loud, loud},
			want:     []VADEvent{VADSpeechStart, VADNone, VADNone},
			speaking: true,
		},
		{
			name:    "closes after the hangover",
			silence: 3,
			frames:  [][]int16{loud, quiet, quiet, quiet, quiet},
			want:    []VADEvent{VADSpeechStart, VADNone, VADNone, VADSpeechEnd, VADNone},
		},
		{
			name:     "speech in the hangover keeps it open",
			silence:  3,
			frames:   [][]int16{loud, quiet, quiet, loud, quiet, quiet},
			want:     []VADEvent{VADSpeechStart, VADNone, VADNone, VADNone, VADNone, VADNone},
			speaking: true,
		},
		{
			name:     "zero hangover closes on the first quiet frame",
			silence:  0,
			frames:   [][]int16{loud, quiet, loud},
			want:     []VADEvent{VADSpeechStart, VADSpeechEnd, VADSpeechStart},
			speaking: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vad := NewVADDetector(&VADConfig{EnergyThreshold: 500.0, SilenceFrames: tt.silence, FrameSize: 160})
			for i, frame := range tt.frames {
				if got := vad.Process(frame); got != tt.want[i] {
					t.Errorf("Expected %s on frame %d, got %s", tt.want[i], i, got)
				}
			}
			if vad.IsSpeaking() != tt.speaking {
				t.Errorf("Expected speaking %v, got %v", tt.speaking, vad.IsSpeaking())
			}
		})
	}
}

func TestVADDetector_Threshold(t *testing.T) {
	medium := constFrame(1000, 160)

	low := NewVADDetector(&VADConfig{EnergyThreshold: 100.0, SilenceFrames: 10, FrameSize: 160})
	if ev := low.Process(medium); ev != VADSpeechStart {
		t.Errorf("Expected low threshold to open speech, got %s", ev)
	}

	high := NewVADDetector(&VADConfig{EnergyThreshold: 5000.0, SilenceFrames: 10, FrameSize: 160})
	if ev := high.Process(medium); ev != VADNone || high.IsSpeaking() {
		t.Errorf("Expected high threshold to stay silent, got %s", ev)
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500.0, SilenceFrames: 10, FrameSize: 160})
	vad.Process(constFrame(5000, 160))
	if !vad.IsSpeaking() {
		t.Fatal("Expected speech to be detected")
	}

	vad.Reset()
	if vad.IsSpeaking() {
		t.Error("Expected speech state to be false after reset")
	}
	// a fresh utterance reports its start again
	if ev := vad.Process(constFrame(5000, 160)); ev != VADSpeechStart {
		t.Errorf("Expected speech_start after reset, got %s", ev)
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.EnergyThreshold != 500.0 {
		t.Errorf("Expected default EnergyThreshold 500.0, got %f", config.EnergyThreshold)
	}
	if config.SilenceFrames != 25 {
		t.Errorf("Expected default SilenceFrames 25, got %d", config.SilenceFrames)
	}
	if config.FrameSize != 320 {
		t.Errorf("Expected default FrameSize 320, got %d", config.FrameSize)
	}
}

func TestVADDetector_GateSendsTrailingSilence(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500.0, SilenceFrames: 3, FrameSize: 160})

	speech := constFrame(5000, 160)
	silence := make([]int16, 160)

	if vad.Gate(silence) {
		t.Error("Expected leading silence to be dropped")
	}
	if !vad.Gate(speech) {
		t.Error("Expected speech to be sent")
	}
	// three silent frames close the utterance; all of them go upstream
	for i := 0; i < 3; i++ {
		if !vad.Gate(silence) {
			t.Errorf("Expected trailing silence frame %d to be sent", i)
		}
	}
	if vad.Gate(silence) {
		t.Error("Expected silence after the utterance to be dropped")
	}
}
