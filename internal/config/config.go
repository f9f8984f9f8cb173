package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/vitacare/voice-stream/internal/audio"
	"github.com/vitacare/voice-stream/internal/resilience"
)

// Config holds all configuration for the voice streaming client
type Config struct {
	// Voice backend. VOICE_ENV selects which host the sockets dial.
	Env      string `envconfig:"VOICE_ENV" default:"development"` // development, production
	DevHost  string `envconfig:"VOICE_DEV_HOST" default:"ws://localhost:8000"`
	ProdHost string `envconfig:"VOICE_PROD_HOST" default:"wss://voice.vitacare.health"`
	TTSPath  string `envconfig:"VOICE_TTS_PATH" default:"/api/v1/tts/stream"`
	CallPath string `envconfig:"VOICE_CALL_PATH" default:"/api/v1/voice/call"`
	APIKey   string `envconfig:"VOICE_API_KEY" required:"true"`
	AppID    string `envconfig:"VOICE_APP_ID" default:""`

	// WebSocket transport
	WSDriver          string `envconfig:"WS_DRIVER" default:"gorilla"`              // gorilla, coder
	WSMaxMessageBytes int64  `envconfig:"WS_MAX_MESSAGE_BYTES" default:"1048576"`   // Read limit per message
	ConnectTimeout    int    `envconfig:"CONNECT_TIMEOUT" default:"10"`             // seconds

	// Downlink audio
	AudioFormat               string `envconfig:"AUDIO_FORMAT" default:"mp3"` // mp3, pcm, ulaw, alaw
	AudioSampleRate           int    `envconfig:"AUDIO_SAMPLE_RATE" default:"24000"`
	AudioChannels             int    `envconfig:"AUDIO_CHANNELS" default:"1"`
	AccumulatorThresholdBytes int    `envconfig:"ACCUMULATOR_THRESHOLD_BYTES" default:"24576"`

	// Voices
	DefaultVoice     string `envconfig:"DEFAULT_VOICE" default:"en_female_warm"`
	VoiceCatalogPath string `envconfig:"VOICE_CATALOG_PATH" default:""`

	// Local audio devices
	OutputDevice      string `envconfig:"OUTPUT_DEVICE" default:"default"` // default, none
	OutputSampleRate  int    `envconfig:"OUTPUT_SAMPLE_RATE" default:"48000"`
	CaptureSampleRate int    `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"`
	CaptureFrameMS    int    `envconfig:"CAPTURE_FRAME_MS" default:"20"`

	// Voice activity detection on the uplink
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"25"`      // Frames of silence to mark speech end

	// Resilience configuration
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Maximum reconnection attempts
	ReconnectDelay             int `envconfig:"RECONNECT_DELAY" default:"1000"`             // Fixed delay before each attempt in milliseconds
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is coherent. It returns every
// failure found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.APIKey == "" {
		errs = append(errs, errors.New("VOICE_API_KEY is required"))
	}
	switch normalizeEnv(c.Env) {
	case "development", "production":
	default:
		errs = append(errs, fmt.Errorf("VOICE_ENV %q is invalid; valid values: development, production", c.Env))
	}
	switch c.WSDriver {
	case "gorilla", "coder":
	default:
		errs = append(errs, fmt.Errorf("WS_DRIVER %q is invalid; valid values: gorilla, coder", c.WSDriver))
	}
	if _, err := audio.ParseFormat(c.AudioFormat); err != nil {
		errs = append(errs, fmt.Errorf("AUDIO_FORMAT: %w", err))
	}
	if c.AudioSampleRate <= 0 || c.OutputSampleRate <= 0 || c.CaptureSampleRate <= 0 {
		errs = append(errs, errors.New("sample rates must be positive"))
	}
	if c.AudioChannels < 1 || c.AudioChannels > 2 {
		errs = append(errs, fmt.Errorf("AUDIO_CHANNELS must be 1 or 2, got %d", c.AudioChannels))
	}
	if c.AccumulatorThresholdBytes <= 0 {
		errs = append(errs, errors.New("ACCUMULATOR_THRESHOLD_BYTES must be positive"))
	}
	if c.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("RECONNECT_MAX_ATTEMPTS must not be negative"))
	}
	if c.CaptureFrameMS <= 0 {
		errs = append(errs, errors.New("CAPTURE_FRAME_MS must be positive"))
	}
	for _, h := range []string{c.DevHost, c.ProdHost} {
		u, err := url.Parse(h)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("voice host %q must be a ws:// or wss:// URL", h))
		}
	}

	return errors.Join(errs...)
}

// IsProduction reports whether sockets dial the production host
func (c *Config) IsProduction() bool {
	return normalizeEnv(c.Env) == "production"
}

// Host returns the backend base URL for the configured environment
func (c *Config) Host() string {
	if c.IsProduction() {
		return c.ProdHost
	}
	return c.DevHost
}

// TTSURL returns the socket URL for text-to-speech sessions
func (c *Config) TTSURL() string {
	return joinURL(c.Host(), c.TTSPath)
}

// CallURL returns the socket URL for voice calls
func (c *Config) CallURL() string {
	return joinURL(c.Host(), c.CallPath)
}

// Format returns the downlink audio format
func (c *Config) Format() audio.Format {
	f, _ := audio.ParseFormat(c.AudioFormat)
	return f
}

// ConnectTimeoutDuration returns CONNECT_TIMEOUT as a duration
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// CircuitBreakerResetDuration returns CIRCUIT_BREAKER_RESET_TIMEOUT as a duration
func (c *Config) CircuitBreakerResetDuration() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// ReconnectConfig returns the fixed-delay reconnect policy
func (c *Config) ReconnectConfig() *resilience.ReconnectConfig {
	delay := time.Duration(c.ReconnectDelay) * time.Millisecond
	return &resilience.ReconnectConfig{
		MaxAttempts: c.ReconnectMaxAttempts,
		Delay:       delay,
		Multiplier:  1.0,
		MaxDelay:    delay,
	}
}

// VADConfig returns the uplink VAD settings for the capture frame size
func (c *Config) VADConfig() *audio.VADConfig {
	return &audio.VADConfig{
		EnergyThreshold: c.VADEnergyThreshold,
		SilenceFrames:   c.VADSilenceFrames,
		FrameSize:       c.CaptureSampleRate * c.CaptureFrameMS / 1000,
	}
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeEnv(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "":
		return "development"
	case "prod", "production":
		return "production"
	default:
		return env
	}
}

func joinURL(host, path string) string {
	return strings.TrimRight(host, "/") + "/" + strings.TrimLeft(path, "/")
}
