package flow

import (
	"context"
	"sync"
	"time"
)

// CoroutineDriver runs tasks cooperatively: exactly one task executes at a
// time, and a task gives up control only when it returns or calls Delay.
// Delay is cooperative; while one task sleeps, its siblings keep running.
//
// Each task is backed by a goroutine, but the driver loop hands a single
// run token back and forth, so job code never runs in parallel.
type CoroutineDriver struct {
	poll time.Duration

	mu       sync.Mutex
	ready    []*coroutine
	sleeping []*coroutine
	ticks    ticks
}

// CoroutineOption configures a CoroutineDriver.
type CoroutineOption func(*CoroutineDriver)

// WithCoroutinePollInterval sets how long an idle loop iteration waits.
func WithCoroutinePollInterval(d time.Duration) CoroutineOption {
	return func(c *CoroutineDriver) {
		if d > 0 {
			c.poll = d
		}
	}
}

// NewCoroutineDriver returns a cooperative single-threaded driver.
func NewCoroutineDriver(opts ...CoroutineOption) *CoroutineDriver {
	d := &CoroutineDriver{poll: DefaultPollInterval}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type coroutineKey struct{}

type coroutine struct {
	driver  *CoroutineDriver
	task    Task
	report  func(Result)
	resume  chan struct{}
	yield   chan yieldMsg
	wake    time.Time
	started bool
}

type yieldMsg struct {
	done   bool
	result Result
	wake   time.Time
}

func (c *coroutine) run(ctx context.Context) {
	<-c.resume
	res := runTask(context.WithValue(ctx, coroutineKey{}, c), c.task)
	c.yield <- yieldMsg{done: true, result: res}
}

// Async implements Driver. The trigger schedules the task once; further
// calls are no-ops.
func (d *CoroutineDriver) Async(task Task, report func(Result)) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c := &coroutine{
				driver: d,
				task:   task,
				report: report,
				resume: make(chan struct{}),
				yield:  make(chan yieldMsg),
			}
			d.mu.Lock()
			d.ready = append(d.ready, c)
			d.mu.Unlock()
		})
	}
}

// Delay implements Driver. Called from a task of this driver it yields
// until the duration has passed; called from anywhere else it sleeps.
func (d *CoroutineDriver) Delay(ctx context.Context, dur time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := ctx.Value(coroutineKey{}).(*coroutine)
	if !ok || c.driver != d {
		return sleep(ctx, dur)
	}
	c.yield <- yieldMsg{wake: time.Now().Add(dur)}
	<-c.resume
	return ctx.Err()
}

// Tick implements Driver.
func (d *CoroutineDriver) Tick(interval int, fn func()) func() {
	return d.ticks.add(interval, fn)
}

// Await implements Driver. A nil stream runs the driver until its own tasks
// and ticks are done. Tasks still suspended in Delay when Await returns see
// their context cancelled and are run to completion before it returns.
func (d *CoroutineDriver) Await(ctx context.Context, s Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		d.drain()
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
		d.wakeDue(time.Now())
		ran := d.runReady(ctx)
		if done, err := settle(ctx, s, d.idle(), d.ticks.len()); done {
			return err
		}
		if dispatched == 0 && ran == 0 {
			d.idleWait(ctx)
		}
	}
}

// runReady resumes the tasks that were ready when it was called.
func (d *CoroutineDriver) runReady(ctx context.Context) int {
	d.mu.Lock()
	batch := d.ready
	d.ready = nil
	d.mu.Unlock()
	for _, c := range batch {
		d.step(ctx, c)
	}
	return len(batch)
}

func (d *CoroutineDriver) step(ctx context.Context, c *coroutine) {
	if !c.started {
		c.started = true
		go c.run(ctx)
	}
	c.resume <- struct{}{}
	msg := <-c.yield
	if msg.done {
		if c.report != nil {
			c.report(msg.result)
		}
		return
	}
	c.wake = msg.wake
	d.mu.Lock()
	d.sleeping = append(d.sleeping, c)
	d.mu.Unlock()
}

func (d *CoroutineDriver) wakeDue(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.sleeping[:0]
	for _, c := range d.sleeping {
		if !c.wake.After(now) {
			d.ready = append(d.ready, c)
		} else {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(d.sleeping); i++ {
		d.sleeping[i] = nil
	}
	d.sleeping = kept
}

func (d *CoroutineDriver) idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ready) == 0 && len(d.sleeping) == 0
}

func (d *CoroutineDriver) idleWait(ctx context.Context) {
	wait := d.poll
	d.mu.Lock()
	if len(d.ready) > 0 {
		wait = 0
	}
	now := time.Now()
	for _, c := range d.sleeping {
		if until := c.wake.Sub(now); until < wait {
			wait = until
		}
	}
	d.mu.Unlock()
	_ = sleep(ctx, wait)
}

// drain runs started tasks to completion once the loop context is cancelled,
// so their goroutines exit and their results are reported. Delay returns the
// context error immediately from here on. Reports may start new tasks; those
// never started are discarded.
func (d *CoroutineDriver) drain() {
	for {
		d.mu.Lock()
		pending := append(d.sleeping, d.ready...)
		d.sleeping = nil
		d.ready = nil
		d.mu.Unlock()

		finished := 0
		for _, c := range pending {
			if !c.started {
				continue
			}
			finished++
			c.resume <- struct{}{}
			for msg := range c.yield {
				if msg.done {
					if c.report != nil {
						c.report(msg.result)
					}
					break
				}
				c.resume <- struct{}{}
			}
		}
		if finished == 0 {
			return
		}
	}
}

var _ Driver = (*CoroutineDriver)(nil)
