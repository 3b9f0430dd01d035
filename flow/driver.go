package flow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultPollInterval paces a driver loop that made no progress in an
// iteration.
const DefaultPollInterval = time.Millisecond

// Task is a unit of work handed to a Driver.
type Task func(ctx context.Context) (interface{}, error)

// Result is the outcome of a Task. A panic inside the task is reported as a
// *PanicError in Err.
type Result struct {
	Value interface{}
	Err   error
}

// Driver is the scheduling backend shared by every stage of a Flow.
//
// Async returns a trigger; calling it schedules task without blocking the
// caller, and report later receives the outcome on the driver's loop. Delay
// suspends the calling task. Tick runs fn every interval loop iterations
// until the returned cancel func is called. Await runs the loop until the
// stream and the driver are quiescent: nothing queued or running and no
// tick registered.
type Driver interface {
	Async(task Task, report func(Result)) func()
	Delay(ctx context.Context, d time.Duration) error
	Tick(interval int, fn func()) (cancel func())
	Await(ctx context.Context, s Stream) error
}

// Stream is the view of a pipeline a Driver drives. Flow implements it.
type Stream interface {
	// Dispatch pulls admissible packets from every stage and starts their
	// jobs. It returns the number of jobs started.
	Dispatch(ctx context.Context) int
	// Pending returns the number of jobs running and packets queued.
	Pending() (running, queued int)
	// Err returns a fatal error that must stop the loop.
	Err() error
}

func runTask(ctx context.Context, task Task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: newPanicError(r)}
		}
	}()
	v, err := task(ctx)
	return Result{Value: v, Err: err}
}

// settle decides whether a loop iteration may end Await.
func settle(ctx context.Context, s Stream, driverIdle bool, ticks int) (bool, error) {
	if s != nil {
		if err := s.Err(); err != nil {
			return true, err
		}
	}
	if !driverIdle || ticks > 0 {
		return false, nil
	}
	if s == nil {
		return true, nil
	}
	running, queued := s.Pending()
	if running > 0 {
		// A deferred job may still complete from outside the driver.
		return false, nil
	}
	if queued == 0 {
		return true, nil
	}
	if s.Dispatch(ctx) > 0 {
		return false, nil
	}
	return true, ErrStalled
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type tickEntry struct {
	interval int
	fn       func()
}

// ticks is the periodic callback registry shared by the drivers.
type ticks struct {
	mu      sync.Mutex
	next    int
	entries map[int]tickEntry
}

func (t *ticks) add(interval int, fn func()) func() {
	if interval < 1 {
		interval = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[int]tickEntry)
	}
	id := t.next
	t.next++
	t.entries[id] = tickEntry{interval: interval, fn: fn}
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.entries, id)
	}
}

func (t *ticks) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// fire runs the callbacks due at iteration in registration order. Callbacks
// run without the lock held so they may cancel themselves.
func (t *ticks) fire(iteration int) {
	t.mu.Lock()
	ids := make([]int, 0, len(t.entries))
	for id, e := range t.entries {
		if iteration%e.interval == 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	due := make([]func(), 0, len(ids))
	for _, id := range ids {
		due = append(due, t.entries[id].fn)
	}
	t.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}
