package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vitacare/voice-stream/internal/config"
	"github.com/vitacare/voice-stream/internal/device"
	"github.com/vitacare/voice-stream/internal/observability"
	"github.com/vitacare/voice-stream/internal/playback"
	"github.com/vitacare/voice-stream/internal/resilience"
	"github.com/vitacare/voice-stream/internal/transport"
)

const version = "1.0.0"

const usage = `usage:
  voiceclient speak [-voice id] [-session id] <text>
  voiceclient call  [-speaker id] [-mic=false]
`

func main() {
	cmd, err := parseCommand(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n%s", err, usage)
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	if err := run(cmd, cfg, logger); err != nil {
		logger.Error().Err(err).Str("command", cmd.name).Msg("Command failed")
		os.Exit(1)
	}
}

// command is a parsed subcommand line
type command struct {
	name      string
	text      string
	voice     string
	sessionID string
	speaker   string
	mic       bool
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New("missing command")
	}
	cmd := command{name: args[0]}
	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	switch cmd.name {
	case "speak":
		fs.StringVar(&cmd.voice, "voice", "", "voice id from the catalog")
		fs.StringVar(&cmd.sessionID, "session", "", "session id")
		if err := fs.Parse(args[1:]); err != nil {
			return command{}, err
		}
		cmd.text = strings.TrimSpace(strings.Join(fs.Args(), " "))
		if cmd.text == "" {
			return command{}, errors.New("speak: missing text")
		}
	case "call":
		fs.StringVar(&cmd.speaker, "speaker", "", "voice id the assistant speaks with")
		fs.BoolVar(&cmd.mic, "mic", true, "stream the microphone")
		if err := fs.Parse(args[1:]); err != nil {
			return command{}, err
		}
	default:
		return command{}, fmt.Errorf("unknown command %q", cmd.name)
	}
	return cmd, nil
}

func run(cmd command, cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(version, nil)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	catalog, err := config.LoadVoiceCatalog(cfg.VoiceCatalogPath)
	if err != nil {
		return err
	}

	audioDev, err := openAudio(cfg, logger)
	if err != nil {
		return err
	}
	defer audioDev.Close()

	breaker := resilience.NewCircuitBreaker("voice_backend", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetDuration())
	breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
	})

	dialer, err := transport.NewDialer(cfg.WSDriver, transport.DialerOptions{
		HandshakeTimeout: cfg.ConnectTimeoutDuration(),
		MaxMessageBytes:  cfg.WSMaxMessageBytes,
	})
	if err != nil {
		return err
	}
	topts := transport.Options{
		Dialer:          dialer,
		Header:          authHeader(cfg),
		Reconnect:       cfg.ReconnectConfig(),
		Breaker:         breaker,
		ConnectTimeout:  cfg.ConnectTimeoutDuration(),
		WriteTimeout:    5 * time.Second,
		MaxPayloadBytes: cfg.WSMaxMessageBytes, // same cap as on the wire
	}

	logger.Info().
		Str("command", cmd.name).
		Str("env", cfg.Env).
		Str("ws_driver", cfg.WSDriver).
		Str("audio_format", cfg.AudioFormat).
		Str("output_device", cfg.OutputDevice).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice client starting")

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsEnabled {
		g.Go(func() error {
			return serveOps(gctx, cfg, breaker, audioDev.out, logger)
		})
	}
	g.Go(func() error {
		// the ops server follows the command
		defer stop()
		switch cmd.name {
		case "speak":
			return runSpeak(gctx, cmd, cfg, catalog, topts, audioDev.out, logger)
		default:
			return runCall(gctx, cmd, cfg, catalog, topts, audioDev, logger)
		}
	})
	return g.Wait()
}

// authHeader carries the backend credentials on the upgrade request
func authHeader(cfg *config.Config) http.Header {
	h := http.Header{}
	h.Set("X-Api-Key", cfg.APIKey)
	if cfg.AppID != "" {
		h.Set("X-App-Id", cfg.AppID)
	}
	h.Set("User-Agent", "voice-stream/"+version)
	return h
}

// audioIO bundles the output the scheduler plays on and, with a real device,
// the microphone context.
type audioIO struct {
	out     playback.Output
	ctx     *device.Context
	closers []func() error
}

func (a *audioIO) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openAudio(cfg *config.Config, logger zerolog.Logger) (*audioIO, error) {
	if strings.EqualFold(cfg.OutputDevice, "none") {
		out := playback.NewClockOutput()
		logger.Info().Msg("No audio device, playing against the clock")
		return &audioIO{out: out, closers: []func() error{out.Close}}, nil
	}

	dctx, err := device.NewContext(logger)
	if err != nil {
		return nil, err
	}
	out, err := device.NewPlayback(dctx, device.PlaybackOptions{
		SampleRate: cfg.OutputSampleRate,
		Channels:   2,
	}, logger)
	if err != nil {
		dctx.Close()
		return nil, err
	}
	return &audioIO{out: out, ctx: dctx, closers: []func() error{dctx.Close, out.Close}}, nil
}

// serveOps exposes /metrics, /health and /ready until ctx is done
func serveOps(ctx context.Context, cfg *config.Config, breaker *resilience.CircuitBreaker, out playback.Output, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"voice_backend": func(context.Context) (bool, error) {
			if breaker.GetState() == resilience.StateOpen {
				return false, resilience.ErrCircuitOpen
			}
			return true, nil
		},
		"audio_output": func(context.Context) (bool, error) {
			if out.State() == playback.OutputClosed {
				return false, playback.ErrOutputClosed
			}
			return true, nil
		},
	}))

	server := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.MetricsPort).Msg("Ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(sctx)
}
