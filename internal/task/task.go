// Package task provides a small deferred-work primitive: spawn a function on
// its own goroutine, retrieve its result through a blocking handle, bind
// arguments for later execution, and compose tasks sequentially (Chain) or
// concurrently (Group).
//
// The original design used one OS process per task purely for isolation;
// goroutines with a result channel give the same contract. Full fault
// isolation is preserved where it matters: a panic inside the function is
// recovered and surfaced by Await as an error.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrTaskPanicked wraps a panic recovered from a task function.
var ErrTaskPanicked = errors.New("task panicked")

// Func is the unit of work. Bound arguments are passed positionally.
type Func func(ctx context.Context, args ...any) (any, error)

// Task is a deferred unit of work. A Task runs at most once; Bind produces
// fresh instances for repeated execution. The creator owns the handle and
// must eventually call Await, otherwise the goroutine's slot leaks.
type Task struct {
	fn      Func
	args    []any
	started atomic.Bool
	done    chan struct{}
	value   any
	err     error
}

// New creates a deferred task with no bound arguments.
func New(fn Func) *Task {
	return &Task{fn: fn, done: make(chan struct{})}
}

// Spawn starts fn immediately on its own goroutine and returns the handle.
func Spawn(ctx context.Context, fn Func, args ...any) *Task {
	t := New(fn)
	t.args = args
	t.Start(ctx)
	return t
}

// Bind returns a new deferred instance of the same function carrying the
// given arguments. The receiver is left untouched.
func (t *Task) Bind(args ...any) *Task {
	nt := New(t.fn)
	nt.args = args
	return nt
}

// Start launches the task if it has not started yet. Calling Start more
// than once is a no-op; a Task executes at most once.
func (t *Task) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.run(ctx)
}

func (t *Task) run(ctx context.Context) {
	defer close(t.done)
	defer func() {
		if rec := recover(); rec != nil {
			t.err = fmt.Errorf("%w: %v", ErrTaskPanicked, rec)
		}
	}()
	t.value, t.err = t.fn(ctx, t.args...)
}

// Await blocks until the task completes and returns its result. A task that
// was never started is started lazily. Failures — including recovered
// panics — are returned, never dropped. Await returns early if ctx is
// cancelled; the task itself keeps running in that case.
func (t *Task) Await(ctx context.Context) (any, error) {
	t.Start(ctx)
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports whether the task has completed.
func (t *Task) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Chain runs tasks sequentially: each task's result becomes the next task's
// first argument (ahead of any bound arguments). It returns the last result
// when there is exactly one task after the initial one, or the ordered slice
// of follower results when there are several. The first failure stops the
// chain.
func Chain(ctx context.Context, tasks ...*Task) (any, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	current, err := tasks[0].Await(ctx)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 1 {
		return current, nil
	}

	results := make([]any, 0, len(tasks)-1)
	for _, t := range tasks[1:] {
		next := t.Bind(append([]any{current}, t.args...)...)
		current, err = next.Await(ctx)
		if err != nil {
			return nil, err
		}
		results = append(results, current)
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

// Group starts all tasks concurrently and returns their results in input
// order once every task has completed. The first error is returned, but all
// tasks are awaited before Group returns. The awaits run against the
// caller's context, not a group-derived one: one task failing must not cut
// the waits on its siblings short or mask their errors with a cancellation.
func Group(ctx context.Context, tasks ...*Task) ([]any, error) {
	for _, t := range tasks {
		t.Start(ctx)
	}

	results := make([]any, len(tasks))
	var g errgroup.Group
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			value, err := t.Await(ctx)
			if err != nil {
				return fmt.Errorf("task %d: %w", i, err)
			}
			results[i] = value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
