// Package future bridges the callback-driven collaborators (id generator,
// metadata managers, bookies) into blocking calls.
//
// Every suspension point in the client waits through a Waiter, which makes the
// Waiter the one seam tests substitute to inject failures or odd results.
package future

import (
	"sync"

	"github.com/danmuck/dps_ledgers/src/ledger"
)

// Awaitable is the type-erased view of a Future consumed by a Waiter.
type Awaitable interface {
	Done() <-chan struct{}
	Result() (any, error)
}

// Future is a single-assignment result slot.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already resolved with v and err.
func Completed[T any](v T, err error) *Future[T] {
	f := New[T]()
	f.Complete(v, err)
	return f
}

// Failed returns a future already resolved with err.
func Failed[T any](err error) *Future[T] {
	var zero T
	return Completed(zero, err)
}

// Complete resolves the future. Only the first call has any effect; the
// return value reports whether this call won.
func (f *Future[T]) Complete(v T, err error) bool {
	won := false
	f.once.Do(func() {
		f.val = v
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get returns the resolved value; callers must wait on Done first.
func (f *Future[T]) Get() (T, error) {
	return f.val, f.err
}

func (f *Future[T]) Result() (any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.val, nil
}

// Callback is the completion signature used by asynchronous collaborators:
// a result code and, for CodeOK, a value.
type Callback[T any] func(code ledger.Code, v T)

// CallbackFor returns a Callback that resolves f, translating non-OK codes
// into their sentinel errors.
func CallbackFor[T any](f *Future[T]) Callback[T] {
	return func(code ledger.Code, v T) {
		if code != ledger.CodeOK {
			var zero T
			f.Complete(zero, code.Err())
			return
		}
		f.Complete(v, nil)
	}
}
