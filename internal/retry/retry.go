// Package retry implements the single backoff policy applied to every
// external call made by a stage.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/config"
)

// Policy configures exponential backoff. Only errors classified as
// retryable by Classifier are retried.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Classifier decides whether an error is retried. Defaults to
	// apperr.IsRetryable.
	Classifier func(error) bool

	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Immediate returns a policy that retries without waiting. Tests use it to
// exercise retry paths without sleeping.
func Immediate(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Nanosecond,
		MaxBackoff:     time.Nanosecond,
		Multiplier:     1,
		sleep:          func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
}

// FromConfig builds a policy from the retry config section.
func FromConfig(cfg config.RetryConfig, logger *zap.Logger) *Policy {
	p := &Policy{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff.Duration(),
		MaxBackoff:     cfg.MaxBackoff.Duration(),
		Multiplier:     cfg.Multiplier,
		logger:         logger,
	}
	p.ApplyDefaults()
	return p
}

// WithLogger returns a copy of p that logs retries to logger.
func (p *Policy) WithLogger(logger *zap.Logger) *Policy {
	cp := *p
	cp.logger = logger
	return &cp
}

// ApplyDefaults sets default values for unset fields.
func (p *Policy) ApplyDefaults() {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
}

// Backoff returns the wait before retry attempt n (1-based).
func (p *Policy) Backoff(n int) time.Duration {
	b := float64(p.InitialBackoff)
	for i := 1; i < n; i++ {
		b *= p.Multiplier
		if time.Duration(b) >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if time.Duration(b) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(b)
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts the
// retry budget or ctx is done. The last error is returned unchanged.
func (p *Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p *Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	if p == nil {
		p = DefaultPolicy()
	}
	retryable := p.Classifier
	if retryable == nil {
		retryable = apperr.IsRetryable
	}
	logger := p.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !retryable(err) || attempt >= p.MaxRetries {
			return zero, err
		}

		wait := p.Backoff(attempt + 1)
		logger.Warn("retrying external call",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))

		if err := sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
