// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"git.arvados.org/rexec.git/lib/rexec/task"
)

var (
	// ErrShutdown is returned by Submit after Shutdown.
	ErrShutdown = errors.New("executor is shut down")

	// ErrTooManyFailures is matched by the error returned for a
	// bundle that failed too many times for reasons other than
	// the task itself.
	ErrTooManyFailures = errors.New("too many failures")
)

// An Executor runs tasks described by task.Descriptors.
type Executor interface {
	// Submit starts running desc, and returns a Future that
	// resolves to its result.
	Submit(desc task.Descriptor) (*Future, error)

	// Shutdown stops accepting new tasks. If wait is true, it
	// returns after all submitted tasks are finished. Unless
	// quiet is true, it writes a latency histogram.
	Shutdown(wait, quiet bool)

	// TaskCount returns the number of submitted tasks whose
	// Futures have not resolved yet.
	TaskCount() int

	// ShutdownIfIdle shuts down (waiting, as with Shutdown(true,
	// quiet)) and returns true if TaskCount is zero. Otherwise it
	// returns false.
	ShutdownIfIdle(quiet bool) bool
}

// taskCounter tracks the number of unresolved Futures returned by an
// executor.
type taskCounter struct {
	n atomic.Int64
}

func (tc *taskCounter) add(delta int) {
	tc.n.Add(int64(delta))
}

func (tc *taskCounter) count() int {
	return int(tc.n.Load())
}

// A Future is the eventual result of a submitted task.
type Future struct {
	done  chan struct{}
	value json.RawMessage
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// caller must call resolve exactly once.
func (f *Future) resolve(value json.RawMessage, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// Done returns a channel that is closed when the result is
// available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result waits for the task to finish and returns its JSON-encoded
// return value. If the task returned an error, the error is a
// *task.Error. Other errors indicate the task could not be run.
func (f *Future) Result(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits for the task to finish and decodes its return value
// into v.
func (f *Future) Decode(ctx context.Context, v interface{}) error {
	value, err := f.Result(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(value, v)
}

// WaitAll waits for all of the given futures to resolve, and returns
// the first error encountered, if any.
func WaitAll(ctx context.Context, futures ...*Future) error {
	var firstErr error
	for _, f := range futures {
		_, err := f.Result(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

// WaitAny returns the index of a resolved future, waiting for one to
// resolve if necessary. It returns -1 if ctx is done first.
func WaitAny(ctx context.Context, futures ...*Future) int {
	for i, f := range futures {
		select {
		case <-f.done:
			return i
		default:
		}
	}
	ready := make(chan int, len(futures))
	stop := make(chan struct{})
	defer close(stop)
	for i, f := range futures {
		go func(i int, f *Future) {
			select {
			case <-f.done:
				ready <- i
			case <-stop:
			}
		}(i, f)
	}
	select {
	case i := <-ready:
		return i
	case <-ctx.Done():
		return -1
	}
}
