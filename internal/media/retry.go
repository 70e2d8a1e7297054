package media

import (
	"context"
	"errors"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
	"go.uber.org/multierr"
)

const (
	defaultRetryCeiling   = 5
	defaultRetryBaseDelay = 100 * time.Millisecond
)

// Retrier re-runs an operation while it fails with lock contention. Delay
// before retry n (from 1) is 2^n * base; after ceiling retries the last error
// is returned.
type Retrier struct {
	ceiling int
	base    time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(attempt int, err error)
}

type RetrierOption func(*Retrier)

// WithSleeper replaces the context-aware sleep, mostly for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) { r.sleep = fn }
}

// WithRetryHook is called before every retry.
func WithRetryHook(fn func(attempt int, err error)) RetrierOption {
	return func(r *Retrier) { r.onRetry = fn }
}

func NewRetrier(ceiling int, base time.Duration, opts ...RetrierOption) *Retrier {
	if ceiling < 0 {
		ceiling = defaultRetryCeiling
	}
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	r := &Retrier{ceiling: ceiling, base: base, sleep: sleepContext}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Delay returns the wait before retry attempt (1-based).
func (r *Retrier) Delay(attempt int) time.Duration {
	return r.base * time.Duration(1<<uint(attempt))
}

// Do runs op until it succeeds, fails with a non-contention error, or the
// ceiling is exceeded.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsContention(err) || attempt >= r.ceiling {
			return err
		}
		attempt++
		if r.onRetry != nil {
			r.onRetry(attempt, err)
		}
		if sleepErr := r.sleep(ctx, r.Delay(attempt)); sleepErr != nil {
			return multierr.Append(err, sleepErr)
		}
	}
}

// IsContention reports whether err signals a held path lock. Errors already
// classified with a code are never contention.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	if pkgerrors.As(err) != nil {
		return false
	}
	if errors.Is(err, ErrPathBusy) {
		return true
	}
	return strings.Contains(err.Error(), contentionMarker)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// guard runs filesystem mutations under a path lock acquired through the
// Retrier.
type guard struct {
	locks   PathLocker
	retrier *Retrier
}

// do acquires key (retrying on contention) and runs fn exactly once under it.
// Only acquisition is retried; fn's own error is returned as is.
func (g guard) do(ctx context.Context, key string, fn func() error) error {
	var (
		ran   bool
		fnErr error
	)
	err := g.retrier.Do(ctx, func(ctx context.Context) error {
		return withPathLock(ctx, g.locks, key, func() error {
			ran = true
			fnErr = fn()
			return nil
		})
	})
	if !ran {
		return err
	}
	return multierr.Append(fnErr, err)
}

// busyError converts an exhausted contention error into a typed ResourceBusy.
func busyError(err error, what string) error {
	if IsContention(err) {
		return pkgerrors.New(pkgerrors.CodeResourceBusy, what+" "+contentionMarker).
			WithDetails(map[string]any{"cause": err.Error()})
	}
	return err
}
