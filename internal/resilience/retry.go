package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the base delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%). Default: 0.25.
	JitterFraction float64

	// Classifier buckets an error to pick the per-class backoff curve.
	// If nil, Classify is used.
	Classifier func(err error) ErrorClass

	// Delay optionally overrides the class-aware backoff entirely.
	Delay func(attempt int, class ErrorClass) time.Duration

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)

	// Sleep allows test injection; defaults to a context-aware timer sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns a sensible retry configuration for API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		JitterFraction: 0.25,
	}
}

// Per-class backoff shape: multiplier applied on top of the exponential
// curve, and the hard cap on a single delay.
var classBackoff = map[ErrorClass]struct {
	multiplier float64
	cap        time.Duration
}{
	ClassRateLimit: {multiplier: 4, cap: 60 * time.Second},
	ClassOverload:  {multiplier: 6, cap: 120 * time.Second},
	ClassTransient: {multiplier: 1, cap: 30 * time.Second},
}

// overloadBackoffFloor is the minimum effective base delay for overload
// errors, so a small configured base still backs off hard.
const overloadBackoffFloor = 5 * time.Second

// RetryCost accumulates the observable price of a retried call.
type RetryCost struct {
	Attempts   int
	TotalDelay time.Duration
}

// ExhaustedError is the final error after retries stop, carrying the
// cumulative retry cost for observability.
type ExhaustedError struct {
	Err  error
	Cost RetryCost
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts (%s backed off): %v",
		e.Cost.Attempts, e.Cost.TotalDelay, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do executes fn with class-aware retry. Fatal-class errors return
// immediately; retryable classes back off on their own curve. The final
// error after exhaustion is wrapped in ExhaustedError with the cumulative
// retry cost. Context cancellation stops retries immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal executes fn returning a value with the same semantics as Do.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	classify := cfg.Classifier
	if classify == nil {
		classify = Classify
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var zero T
	var lastErr error
	cost := RetryCost{}

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		cost.Attempts = attempt + 1
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}

		class := classify(lastErr)
		if class == ClassFatal {
			return zero, lastErr
		}

		if attempt >= cfg.MaxAttempts-1 {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr)
		}

		var delay time.Duration
		if cfg.Delay != nil {
			delay = cfg.Delay(attempt, class)
		} else {
			delay = cfg.backoff(attempt, class)
		}
		cost.TotalDelay += delay

		if err := sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	return zero, &ExhaustedError{Err: lastErr, Cost: cost}
}

func timerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

// backoff computes the delay for one retry on the given class's curve.
// Rate limit: base * 2^attempt * 4, capped at 60s.
// Overload:   max(base*2, 5s) * 2^attempt * 6, capped at 120s.
// Transient:  base * 2^attempt, capped at 30s.
// All curves carry ±JitterFraction jitter.
func (cfg RetryConfig) backoff(attempt int, class ErrorClass) time.Duration {
	shape, ok := classBackoff[class]
	if !ok {
		shape = classBackoff[ClassTransient]
	}

	base := float64(cfg.InitialBackoff)
	if class == ClassOverload {
		base = math.Max(base*2, float64(overloadBackoffFloor))
	}

	delay := base * math.Pow(2, float64(attempt)) * shape.multiplier
	if delay > float64(shape.cap) {
		delay = float64(shape.cap)
	}

	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.String("class", Classify(err).String()),
			zap.Error(err),
		)
	}
}
