package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitacare/voice-stream/internal/config"
	"github.com/vitacare/voice-stream/internal/device"
	"github.com/vitacare/voice-stream/internal/playback"
	"github.com/vitacare/voice-stream/internal/transport"
	"github.com/vitacare/voice-stream/internal/tts"
	"github.com/vitacare/voice-stream/internal/voicecall"
)

// runSpeak plays one text and returns when playback finished
func runSpeak(ctx context.Context, cmd command, cfg *config.Config, catalog *config.VoiceCatalog, topts transport.Options, out playback.Output, logger zerolog.Logger) error {
	errs := make(chan string, 1)
	player, err := tts.NewPlayer(tts.Options{
		URL:          cfg.TTSURL(),
		Transport:    topts,
		Output:       out,
		Format:       cfg.Format(),
		SampleRate:   cfg.AudioSampleRate,
		Channels:     cfg.AudioChannels,
		Threshold:    cfg.AccumulatorThresholdBytes,
		Voices:       catalog,
		DefaultVoice: cfg.DefaultVoice,
	}, tts.Callbacks{
		OnPlaybackStart: func(id string) {
			logger.Info().Str("session_id", id).Msg("Speaking")
		},
		OnPlaybackStop: func(id string) {
			logger.Info().Str("session_id", id).Msg("Done speaking")
		},
		OnError: func(id, message string) {
			select {
			case errs <- message:
			default:
			}
		},
	}, logger)
	if err != nil {
		return err
	}
	defer player.Close()

	if err := player.Play(ctx, cmd.text, cmd.sessionID, cmd.voice); err != nil {
		return err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			player.Stop()
			return nil
		case msg := <-errs:
			return errors.New(msg)
		case <-ticker.C:
			// the session clears itself once its audio has played out
			if player.CurrentSessionID() == "" {
				return nil
			}
		}
	}
}

// runCall holds a voice call. Lines typed on stdin are sent as text; "/stop"
// interrupts the assistant and "/quit" hangs up.
func runCall(ctx context.Context, cmd command, cfg *config.Config, catalog *config.VoiceCatalog, topts transport.Options, audioDev *audioIO, logger zerolog.Logger) error {
	ended := make(chan struct{})
	errs := make(chan string, 1)

	call, err := voicecall.New(voicecall.Options{
		URL:              cfg.CallURL(),
		Transport:        topts,
		Output:           audioDev.out,
		Speaker:          catalog.Resolve(cmd.speaker, cfg.DefaultVoice),
		OutputFormat:     cfg.Format(),
		OutputSampleRate: cfg.AudioSampleRate,
		OutputChannels:   cfg.AudioChannels,
		Threshold:        cfg.AccumulatorThresholdBytes,
		InputSampleRate:  cfg.CaptureSampleRate,
		VAD:              cfg.VADConfig(),
	}, voicecall.Callbacks{
		OnTranscript: func(text string, final bool) {
			if final {
				fmt.Printf("you: %s\n", text)
			}
		},
		OnReply: func(text string) {
			fmt.Printf("assistant: %s\n", text)
		},
		OnError: func(message string) {
			select {
			case errs <- message:
			default:
			}
		},
		OnStateChange: func(s voicecall.State) {
			logger.Info().Str("state", s.String()).Msg("Call state")
			if s == voicecall.StateEnded {
				close(ended)
			}
		},
	}, logger)
	if err != nil {
		return err
	}
	defer call.Hangup()

	if err := call.Dial(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cmd.mic && audioDev.ctx != nil {
		capt, err := device.NewCapture(audioDev.ctx, device.CaptureOptions{
			SampleRate: cfg.CaptureSampleRate,
			FrameSize:  cfg.VADConfig().FrameSize,
		}, logger)
		if err != nil {
			return err
		}
		micDone := make(chan struct{})
		defer func() {
			cancel()
			<-micDone
			capt.Close()
		}()
		go func() {
			defer close(micDone)
			err := capt.Run(callCtx, func(frame []int16) {
				if err := call.SendAudio(frame); err != nil && !errors.Is(err, voicecall.ErrNotActive) {
					logger.Debug().Err(err).Msg("Uplink frame not sent")
				}
			})
			if err != nil {
				logger.Error().Err(err).Msg("Microphone stopped")
			}
		}()
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-callCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			// OnError runs before the ended state
			select {
			case msg := <-errs:
				return errors.New(msg)
			default:
				return nil
			}
		case msg := <-errs:
			return errors.New(msg)
		case line := <-lines:
			switch strings.TrimSpace(line) {
			case "/quit":
				return nil
			case "/stop":
				call.Interrupt()
			default:
				if err := call.SendText(line); err != nil {
					logger.Warn().Err(err).Msg("Message not sent")
				}
			}
		}
	}
}
