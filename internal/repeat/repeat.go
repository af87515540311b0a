// Package repeat runs a function on timer-scheduled ticks until it reports
// completion, fails, or is cancelled.
package repeat

import (
	"context"
	"sync"
	"time"
)

// Tick describes one invocation.
type Tick struct {
	N       int           // zero-based tick number
	Elapsed time.Duration // time since the task started
}

// Func is invoked on every tick. Returning done or a non-nil error ends the task.
type Func func(ctx context.Context, tick Tick) (done bool, err error)

// Schedule returns the delay before tick n given the elapsed time.
type Schedule func(n int, elapsed time.Duration) time.Duration

// Every is a fixed-interval schedule.
func Every(d time.Duration) Schedule {
	return func(int, time.Duration) time.Duration { return d }
}

// Task is a running repeating function. The first tick fires immediately and
// each following tick is scheduled only after the previous one returned, so
// invocations never overlap.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Start launches fn on its own goroutine.
func Start(ctx context.Context, sched Schedule, fn Func) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go t.loop(ctx, sched, fn)
	return t
}

func (t *Task) loop(ctx context.Context, sched Schedule, fn Func) {
	defer close(t.done)
	defer t.cancel()

	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			t.setErr(ctx.Err())
			return
		case <-timer.C:
		}
		// A cancellation racing with the timer must win.
		if err := ctx.Err(); err != nil {
			t.setErr(err)
			return
		}

		finished, err := fn(ctx, Tick{N: n, Elapsed: time.Since(start)})
		if err != nil {
			t.setErr(err)
			return
		}
		if finished {
			return
		}

		delay := sched(n+1, time.Since(start))
		if delay < 0 {
			delay = 0
		}
		timer.Reset(delay)
	}
}

func (t *Task) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// Stop cancels the task. No tick starts after Stop returns; a tick already in
// progress sees its context cancelled. Stop may be called from inside fn.
func (t *Task) Stop() {
	t.cancel()
}

// Done is closed when the task has ended.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task ends. It returns nil when fn reported completion,
// the error fn returned, or the context error after cancellation.
func (t *Task) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
