package flow

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// WorkerDriver off-loads tasks to a fixed pool of worker goroutines and
// collects their results from inside the Await loop. Jobs run in parallel,
// so they must not share unsynchronized state.
//
// Delay blocks the calling worker: the other workers keep going, but a pool
// of one worker stops entirely while a task sleeps.
type WorkerDriver struct {
	workers int
	poll    time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*workerTask
	done     []*workerTask
	inflight int
	stopped  bool
	awaiting bool
	wake     chan struct{}
	ticks    ticks
}

type workerTask struct {
	task   Task
	report func(Result)
	result Result
}

// WorkerOption configures a WorkerDriver.
type WorkerOption func(*WorkerDriver)

// WithWorkers sets the size of the worker pool. The default is GOMAXPROCS.
func WithWorkers(n int) WorkerOption {
	return func(d *WorkerDriver) { d.workers = n }
}

// WithWorkerPollInterval sets how long an idle loop iteration waits for a
// worker to report.
func WithWorkerPollInterval(p time.Duration) WorkerOption {
	return func(d *WorkerDriver) {
		if p > 0 {
			d.poll = p
		}
	}
}

// NewWorkerDriver returns a multi-worker driver. It fails with ErrBackend if
// the pool size is not positive.
func NewWorkerDriver(opts ...WorkerOption) (*WorkerDriver, error) {
	d := &WorkerDriver{
		workers: runtime.GOMAXPROCS(0),
		poll:    DefaultPollInterval,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers < 1 {
		return nil, fmt.Errorf("%w: worker pool size must be positive, got %d", ErrBackend, d.workers)
	}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

// Workers returns the pool size.
func (d *WorkerDriver) Workers() int { return d.workers }

// Async implements Driver. Tasks triggered outside Await wait in the queue
// until the next Await starts the pool.
func (d *WorkerDriver) Async(task Task, report func(Result)) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.queue = append(d.queue, &workerTask{task: task, report: report})
			d.inflight++
			d.mu.Unlock()
			d.cond.Signal()
		})
	}
}

// Delay implements Driver by sleeping the calling goroutine.
func (d *WorkerDriver) Delay(ctx context.Context, dur time.Duration) error {
	return sleep(ctx, dur)
}

// Tick implements Driver.
func (d *WorkerDriver) Tick(interval int, fn func()) func() {
	return d.ticks.add(interval, fn)
}

// Await implements Driver. Only one Await may run at a time per driver.
// Running tasks see their context cancelled when Await returns, and Await
// waits for the workers to exit.
func (d *WorkerDriver) Await(ctx context.Context, s Stream) error {
	d.mu.Lock()
	if d.awaiting {
		d.mu.Unlock()
		return fmt.Errorf("%w: await already running on this driver", ErrBackend)
	}
	d.awaiting = true
	d.stopped = false
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	defer func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		cancel()
		d.cond.Broadcast()
		_ = g.Wait()
		// Tasks interrupted by the cancel still report; queued tasks wait for
		// the next Await.
		d.reap()
		d.mu.Lock()
		d.awaiting = false
		d.mu.Unlock()
	}()

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.ticks.fire(iteration)
		dispatched := 0
		if s != nil {
			dispatched = s.Dispatch(ctx)
		}
		reaped := d.reap()
		if done, err := settle(ctx, s, d.idle(), d.ticks.len()); done {
			return err
		}
		if dispatched == 0 && reaped == 0 {
			d.idleWait(ctx)
		}
	}
}

func (d *WorkerDriver) work(ctx context.Context) {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.stopped {
			d.mu.Unlock()
			return
		}
		t := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		t.result = runTask(ctx, t.task)

		d.mu.Lock()
		d.done = append(d.done, t)
		d.mu.Unlock()
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

// reap delivers finished results on the loop goroutine.
func (d *WorkerDriver) reap() int {
	d.mu.Lock()
	finished := d.done
	d.done = nil
	d.inflight -= len(finished)
	d.mu.Unlock()
	for _, t := range finished {
		if t.report != nil {
			t.report(t.result)
		}
	}
	return len(finished)
}

func (d *WorkerDriver) idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight == 0
}

func (d *WorkerDriver) idleWait(ctx context.Context) {
	t := time.NewTimer(d.poll)
	defer t.Stop()
	select {
	case <-d.wake:
	case <-t.C:
	case <-ctx.Done():
	}
}

var _ Driver = (*WorkerDriver)(nil)
