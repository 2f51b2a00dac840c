package future

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/danmuck/dps_ledgers/src/ledger"
)

// Waiter blocks the calling operation until an Awaitable resolves.
type Waiter interface {
	WaitForResult(ctx context.Context, f Awaitable) (any, error)
}

// WaiterFunc adapts a function into a Waiter.
type WaiterFunc func(ctx context.Context, f Awaitable) (any, error)

func (fn WaiterFunc) WaitForResult(ctx context.Context, f Awaitable) (any, error) {
	return fn(ctx, f)
}

// BlockingWaiter waits for resolution, context cancellation or, when Timeout
// is positive, expiry of its own bound. Expiry of either bound is reported as
// ledger.ErrTimeout so callers can tell "never arrived" from "confirmed
// absent".
type BlockingWaiter struct {
	Timeout time.Duration
}

func (w BlockingWaiter) WaitForResult(ctx context.Context, f Awaitable) (any, error) {
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	select {
	case <-f.Done():
		return f.Result()
	case <-ctx.Done():
		// a result that raced the deadline still wins
		select {
		case <-f.Done():
			return f.Result()
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ledger.ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Wait resolves f through w and restores its static type. A waiter that
// reports success with a nil value yields the zero T; callers that cannot
// accept a zero value must check for it.
func Wait[T any](ctx context.Context, w Waiter, f *Future[T]) (T, error) {
	var zero T
	v, err := w.WaitForResult(ctx, f)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: waiter returned %T", ledger.ErrInternalConsistency, v)
	}
	return typed, nil
}

// WaitValue is Wait for results that must be present: a waiter that reports
// success without a value, or with a nil pointer, map, slice, chan or func,
// yields ledger.ErrInternalConsistency.
func WaitValue[T any](ctx context.Context, w Waiter, f *Future[T]) (T, error) {
	var zero T
	v, err := w.WaitForResult(ctx, f)
	if err != nil {
		return zero, err
	}
	if isNil(v) {
		return zero, fmt.Errorf("%w: waiter resolved without a value", ledger.ErrInternalConsistency)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: waiter returned %T", ledger.ErrInternalConsistency, v)
	}
	return typed, nil
}

// isNil also catches typed nils boxed into a non-nil interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
