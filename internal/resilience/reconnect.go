package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrReconnectExhausted is returned once every attempt has failed
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	Delay       time.Duration // Wait before each attempt
	Multiplier  float64       // Delay multiplier; 1 keeps the delay fixed
	MaxDelay    time.Duration // Upper bound when Multiplier > 1
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 3,
		Delay:       1 * time.Second,
		Multiplier:  1.0,
		MaxDelay:    1 * time.Second,
	}
}

// ReconnectFunc performs one attempt; attempt counts from 1
type ReconnectFunc func(ctx context.Context, attempt int) error

// Reconnect waits Delay before each attempt and stops at the first success,
// at MaxAttempts, on a permanent error or when ctx is done. It returns the
// number of attempts made.
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig) (int, error) {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	delay := config.Delay
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt - 1, ctx.Err()
		case <-timer.C:
		}

		err := fn(ctx, attempt)
		if err == nil {
			log.Debug().Int("attempt", attempt).Msg("Reconnection successful")
			return attempt, nil
		}
		lastErr = err

		if IsPermanent(err) {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnection aborted")
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		log.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", config.MaxAttempts).
			Dur("next_delay", delay).
			Msg("Reconnection attempt failed")

		if config.Multiplier > 1 {
			delay = time.Duration(float64(delay) * config.Multiplier)
			if config.MaxDelay > 0 && delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
	}

	if lastErr == nil {
		return 0, ErrReconnectExhausted
	}
	return config.MaxAttempts, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, config.MaxAttempts, lastErr)
}

// PermanentError marks a failure that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Reconnect gives up immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is a PermanentError
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
