// Standard jobs for common stage patterns.

package flow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"
)

// ErrTimeout is the failure produced by WithTimeout when the inner job does
// not finish in time.
var ErrTimeout = errors.New("job timed out")

// ErrPayloadType fails a packet whose payload is not the type a typed helper
// was built for.
var ErrPayloadType = errors.New("unexpected payload type")

// ErrRejected fails a packet that Validate refused.
var ErrRejected = errors.New("payload rejected")

// payloadAs asserts the payload of a packet reaching the named helper.
func payloadAs[T any](helper string, payload interface{}) (T, error) {
	v, ok := payload.(T)
	if !ok {
		return v, fmt.Errorf("%s: %w: want %T, got %T", helper, ErrPayloadType, v, payload)
	}
	return v, nil
}

// ConvertFunc turns one typed value into another.
type ConvertFunc[A, B any] func(ctx context.Context, a A) (B, error)

// Transform adapts a typed conversion to a Job. A payload that is not an A
// fails the packet with ErrPayloadType.
func Transform[A, B any](convert ConvertFunc[A, B]) Job {
	return func(ctx context.Context, payload interface{}, _ error) (interface{}, error) {
		a, err := payloadAs[A]("transform", payload)
		if err != nil {
			return nil, err
		}
		return convert(ctx, a)
	}
}

// Identity forwards every payload to the next stage as is.
func Identity() Job { return Tap(nil) }

// Tap hands each payload, with the error of the previous stage, to observe
// and forwards the payload. observe cannot fail the packet.
func Tap(observe func(ctx context.Context, payload interface{}, prevErr error)) Job {
	return func(ctx context.Context, payload interface{}, prevErr error) (interface{}, error) {
		if observe != nil {
			observe(ctx, payload, prevErr)
		}
		return payload, nil
	}
}

// Validate forwards payloads of type T that check accepts. A refusal fails
// the packet with an error matching both ErrRejected and check's error.
func Validate[T any](check func(T) error) Job {
	return func(_ context.Context, payload interface{}, _ error) (interface{}, error) {
		v, err := payloadAs[T]("validate", payload)
		if err != nil {
			return nil, err
		}
		if err := check(v); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return v, nil
	}
}

// Constant replaces every payload with v.
func Constant[T any](v T) Job {
	return func(context.Context, interface{}, error) (interface{}, error) { return v, nil }
}

// MapSlice converts a []T payload element by element. It stops at the first
// failing element, or when ctx is done.
func MapSlice[T, U any](convert ConvertFunc[T, U]) Job {
	return func(ctx context.Context, payload interface{}, _ error) (interface{}, error) {
		in, err := payloadAs[[]T]("mapslice", payload)
		if err != nil {
			return nil, err
		}
		out := make([]U, len(in))
		for i := range in {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if out[i], err = convert(ctx, in[i]); err != nil {
				return nil, fmt.Errorf("mapslice: element %d: %w", i, err)
			}
		}
		return out, nil
	}
}

// FilterSlice narrows a []T payload to the elements keep accepts. The input
// slice is left untouched.
func FilterSlice[T any](keep func(T) bool) Job {
	return func(_ context.Context, payload interface{}, _ error) (interface{}, error) {
		in, err := payloadAs[[]T]("filterslice", payload)
		if err != nil {
			return nil, err
		}
		return slices.DeleteFunc(slices.Clone(in), func(v T) bool { return !keep(v) }), nil
	}
}

// timeoutSlice bounds how long the timer step of WithTimeout sleeps between
// checks of whether the race is already over.
const timeoutSlice = 5 * time.Millisecond

// WithTimeout returns a deferred job that races inner against a timer on d.
// Whichever finishes first decides the stage result; a late inner result is
// ignored. inner is not interrupted, so a timed out job keeps running until
// it returns. Use it with Deferred completion.
//
// The deadline counts from when the packet is dispatched. On a WorkerDriver
// the timer occupies a worker of its own, so the pool needs at least one
// worker more than the jobs it runs at once; with a single worker the timer
// only starts after inner has returned.
func WithTimeout(d Driver, inner Job, timeout time.Duration) DeferredJob {
	return func(_ context.Context, payload interface{}, complete Complete, chain Chain) error {
		deadline := time.Now().Add(timeout)
		var settled atomic.Bool
		chain(func(ctx context.Context, next Complete) error {
			v, err := inner(ctx, payload, nil)
			settled.Store(true)
			if err != nil {
				return err
			}
			next(v)
			return nil
		}, complete)
		chain(func(ctx context.Context, _ Complete) error {
			for !settled.Load() {
				left := time.Until(deadline)
				if left <= 0 {
					return fmt.Errorf("%w after %s", ErrTimeout, timeout)
				}
				if left > timeoutSlice {
					left = timeoutSlice
				}
				if err := d.Delay(ctx, left); err != nil {
					return err
				}
			}
			return nil
		}, nil)
		return nil
	}
}

// RetryPolicy configures Retry. MaxAttempts counts the first call; zero means
// three attempts. Backoff is the delay before the second attempt and grows by
// Multiplier (default 2) per attempt, capped at Cap when Cap is positive. If
// ShouldRetry is non-nil, only errors for which it returns true are retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  float64
	Cap         time.Duration
	ShouldRetry func(err error) bool
}

// Retryable marks err as retryable. Use with RetryPolicy.ShouldRetry so only
// these errors trigger a retry (e.g. transient failures), not permanent ones.
type Retryable struct{ Err error }

func (e *Retryable) Error() string { return e.Err.Error() }
func (e *Retryable) Unwrap() error { return e.Err }
func RetryableErr(err error) error { return &Retryable{Err: err} }
func IsRetryable(err error) bool   { return errors.As(err, new(*Retryable)) }

// Retry wraps job so a failed attempt is repeated after a backoff spent in
// d.Delay. On the coroutine driver the wait lets sibling jobs run. The last
// error is returned once attempts are exhausted.
func Retry(d Driver, job Job, policy RetryPolicy) Job {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 3
	}
	mult := policy.Multiplier
	if mult < 1 {
		mult = 2
	}
	return func(ctx context.Context, payload interface{}, prevErr error) (interface{}, error) {
		backoff := policy.Backoff
		var err error
		attempt := 1
		for ; ; attempt++ {
			var out interface{}
			out, err = job(ctx, payload, prevErr)
			if err == nil {
				return out, nil
			}
			if attempt >= attempts || (policy.ShouldRetry != nil && !policy.ShouldRetry(err)) {
				break
			}
			if derr := d.Delay(ctx, backoff); derr != nil {
				return nil, fmt.Errorf("retry: %w", derr)
			}
			backoff = time.Duration(float64(backoff) * mult)
			if policy.Cap > 0 && backoff > policy.Cap {
				backoff = policy.Cap
			}
		}
		return nil, fmt.Errorf("retry: %d attempts: %w", attempt, err)
	}
}
