package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // upper bound for any single delay
	Multiplier float64       // exponential growth factor
	Jitter     bool          // +/-10% random jitter
}

// Result reports how an operation fared across attempts.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
}

// DefaultConfig returns the configuration used for push provider calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs operation until it succeeds, returns a Permanent error, the
// retries are exhausted or ctx is done. logger may be nil.
func Do(ctx context.Context, cfg Config, logger *slog.Logger, operation func(ctx context.Context) error) Result {
	start := time.Now()
	var res Result

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		res.Attempts = attempt + 1

		err := operation(ctx)
		if err == nil {
			res.Success = true
			res.LastError = nil
			res.TotalDuration = time.Since(start)
			if attempt > 0 && logger != nil {
				logger.Debug("operation succeeded after retry", "attempts", res.Attempts)
			}
			return res
		}
		res.LastError = err

		if IsPermanent(err) || attempt >= cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			res.LastError = ctx.Err()
			break
		}

		delay := calculateDelay(cfg, attempt)
		if logger != nil {
			logger.Warn("operation failed, retrying",
				"attempt", attempt+1, "max_attempts", cfg.MaxRetries+1, "delay", delay, "err", err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.LastError = ctx.Err()
			res.TotalDuration = time.Since(start)
			return res
		case <-timer.C:
		}
	}

	res.TotalDuration = time.Since(start)
	return res
}

func calculateDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}
	return time.Duration(delay)
}
