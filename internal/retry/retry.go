// Package retry runs idempotent device operations under a bounded retry
// policy tuned for a lossy radio link.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Class is the retry treatment for an error.
type Class int

const (
	// Unclassified errors are returned on first occurrence.
	Unclassified Class = iota
	// Fatal errors abort immediately; retrying cannot help.
	Fatal
	// Backoff errors are retried after Policy.Backoff.
	Backoff
	// Retryable errors are retried immediately.
	Retryable
)

func (c Class) String() string {
	switch c {
	case Fatal:
		return "fatal"
	case Backoff:
		return "backoff"
	case Retryable:
		return "retryable"
	default:
		return "unclassified"
	}
}

// Classifier maps an error to its retry Class.
type Classifier func(error) Class

// Defaults.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 250 * time.Millisecond
)

// Policy is a retry executor. The zero value is not usable; build one with New.
type Policy struct {
	attempts int
	backoff  time.Duration
	classify Classifier
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithAttempts sets the attempt budget. Values below 1 keep the default.
func WithAttempts(n int) Option {
	return func(p *Policy) {
		if n >= 1 {
			p.attempts = n
		}
	}
}

// WithBackoff sets the delay before retrying a Backoff-class error.
func WithBackoff(d time.Duration) Option {
	return func(p *Policy) {
		if d >= 0 {
			p.backoff = d
		}
	}
}

// WithSleep replaces the delay function.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithLogger sets the logger for retry decisions.
func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a Policy using classify to decide how each failure is treated.
// A nil classify treats every error as Unclassified.
func New(classify Classifier, opts ...Option) *Policy {
	if classify == nil {
		classify = func(error) Class { return Unclassified }
	}
	p := &Policy{
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		classify: classify,
		sleep:    sleepContext,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attempts returns the attempt budget.
func (p *Policy) Attempts() int { return p.attempts }

// Do runs op until it succeeds, the attempt budget is spent, or an error
// that must not be retried occurs. name identifies the operation in logs.
//
// op must be safe to repeat. Operations with side effects that cannot be
// repeated should call op directly instead of going through a Policy.
//
// Once ctx is done no further attempts are started; the last error is
// returned.
func (p *Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	last := p.attempts - 1
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		retry, delay := p.decide(name, err, attempt, last)
		if !retry {
			return err
		}
		if delay > 0 {
			if serr := p.sleep(ctx, delay); serr != nil {
				return err
			}
		} else if ctx.Err() != nil {
			return err
		}
	}
}

// decide reports whether attempt should be followed by another, and after
// how long.
func (p *Policy) decide(name string, err error, attempt, last int) (bool, time.Duration) {
	class := p.classify(err)
	switch class {
	case Backoff, Retryable:
		if attempt >= last {
			p.logger.Debug("[RETRY] giving up", "op", name, "class", class.String(),
				"attempt", attempt, "max", last, "error", err)
			return false, 0
		}
		var delay time.Duration
		if class == Backoff {
			delay = p.backoff
		}
		p.logger.Debug("[RETRY] retrying", "op", name, "class", class.String(),
			"attempt", attempt, "max", last, "delay", delay, "error", err)
		return true, delay
	default:
		return false, 0
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry: sleep interrupted: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
