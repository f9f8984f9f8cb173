package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Number of consecutive silence frames to mark as end of speech
	FrameSize       int     // Number of samples per frame
}

// DefaultVADConfig returns a default VAD configuration for 16kHz capture
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   25,  // 500ms of silence (25 frames * 20ms)
		FrameSize:       320, // 20ms at 16kHz
	}
}

// VADEvent is the transition a frame caused
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStart
	VADSpeechEnd
)

func (e VADEvent) String() string {
	switch e {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

type vadState int

const (
	vadSilent vadState = iota
	vadSpeech
	vadTrailing // quiet, but still inside the utterance
)

// VADDetector performs Voice Activity Detection. A loud frame opens an
// utterance; it closes after SilenceFrames quiet frames in a row.
type VADDetector struct {
	config   *VADConfig
	state    vadState
	hangover int // quiet frames left before the utterance closes
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// Process classifies one frame and returns the transition it caused
func (v *VADDetector) Process(samples []int16) VADEvent {
	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.hangover = v.config.SilenceFrames
		prev := v.state
		v.state = vadSpeech
		if prev == vadSilent {
			return VADSpeechStart
		}
		return VADNone
	}

	if v.state == vadSilent {
		return VADNone
	}
	v.hangover--
	if v.hangover <= 0 {
		v.state = vadSilent
		return VADSpeechEnd
	}
	v.state = vadTrailing
	return VADNone
}

// Gate reports whether a captured frame should go upstream. Frames are sent
// while an utterance is open, including the trailing silence that ends it, so
// the recognizer sees the pause.
func (v *VADDetector) Gate(samples []int16) bool {
	ev := v.Process(samples)
	return v.state != vadSilent || ev == VADSpeechEnd
}

// Reset closes any open utterance without reporting it
func (v *VADDetector) Reset() {
	v.state = vadSilent
	v.hangover = 0
}

// IsSpeaking reports whether an utterance is open
func (v *VADDetector) IsSpeaking() bool {
	return v.state != vadSilent
}

// FrameSize returns the configured samples per frame
func (v *VADDetector) FrameSize() int {
	return v.config.FrameSize
}
