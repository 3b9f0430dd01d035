package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/dcshock/runflow/logging"
)

// Flow is an ordered list of stages sharing one Driver. Packets enter at the
// first stage through Invoke and move forward only inside Await.
type Flow struct {
	name      string
	driver    Driver
	logger    logging.Logger
	observers []Observer
	observer  Observer
	output    func(ctx context.Context, p *Packet)

	mu     sync.RWMutex
	stages []*bus
	fatal  error
}

// New builds a flow whose first stage is first.
func New(first Stage, opts ...Option) (*Flow, error) {
	f := newFlow(opts...)
	if _, err := f.Fn(first); err != nil {
		return nil, err
	}
	return f, nil
}

func newFlow(opts ...Option) *Flow {
	f := &Flow{
		name:   "flow",
		logger: logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.driver == nil {
		f.driver = NewCoroutineDriver()
	}
	switch len(f.observers) {
	case 0:
		f.observer = NopObserver{}
	case 1:
		f.observer = f.observers[0]
	default:
		f.observer = MultiObserver(f.observers)
	}
	return f
}

// Name returns the flow name.
func (f *Flow) Name() string { return f.name }

// Driver returns the backend shared by the flow's stages. Job helpers that
// call Delay, such as Retry and WithTimeout, must be built with it.
func (f *Flow) Driver() Driver { return f.driver }

// Len returns the number of stages.
func (f *Flow) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.stages)
}

// Fn appends a stage after the current last stage and returns f so calls
// can be chained.
func (f *Flow) Fn(s Stage) (*Flow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := len(f.stages)
	s, err := s.normalize(index)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", f.name, err)
	}
	f.stages = append(f.stages, newBus(f, s, index))
	return f, nil
}

// Concat moves the stages of other to the end of f and returns f. other is
// left empty. Packets still queued in the moved stages keep their place.
func (f *Flow) Concat(other *Flow) (*Flow, error) {
	if other == nil || other == f {
		return nil, fmt.Errorf("%w: cannot concat flow %s with itself or nil", ErrInvalidStage, f.name)
	}
	other.mu.Lock()
	moved := other.stages
	other.stages = nil
	other.mu.Unlock()
	if len(moved) == 0 {
		return nil, fmt.Errorf("flow %s: concat: %w", f.name, ErrEmptyFlow)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range moved {
		index := len(f.stages)
		b.flow = f
		b.info = StageInfo{Flow: f.name, Index: index, Name: b.stage.Name}
		f.stages = append(f.stages, b)
	}
	return f, nil
}

// Invoke queues p at the first stage. Nothing is dispatched until Await.
// Invoke is safe to call from any goroutine, including while Await runs.
func (f *Flow) Invoke(p *Packet) {
	if first := f.stageAt(0); first != nil {
		first.push(p)
	}
}

// Every registers a tick that invokes a new packet built from produce every
// interval driver iterations. Await does not return until cancel is called.
func (f *Flow) Every(interval int, produce func() interface{}) (cancel func()) {
	return f.driver.Tick(interval, func() {
		f.Invoke(NewPacket(produce()))
	})
}

// Await runs the driver until the flow is quiescent: no packet queued or
// running at any stage and no tick registered. It returns the first error
// job failure, ErrStalled when queued packets can never be admitted, or the
// context error.
func (f *Flow) Await(ctx context.Context) error {
	if f.Len() == 0 {
		return fmt.Errorf("flow %s: %w", f.name, ErrEmptyFlow)
	}
	f.logger.Debug("awaiting flow", "flow", f.name, "stages", f.Len())
	err := f.driver.Await(ctx, f)
	if err != nil {
		f.logger.Debug("flow stopped", "flow", f.name, "error", err)
	}
	return err
}

// Stats returns a snapshot of every stage.
func (f *Flow) Stats() []StageStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]StageStats, len(f.stages))
	for i, b := range f.stages {
		out[i] = b.stats()
	}
	return out
}

// Dispatch implements Stream.
func (f *Flow) Dispatch(ctx context.Context) int {
	n := 0
	for _, b := range f.snapshot() {
		n += b.pull(ctx)
	}
	return n
}

// Pending implements Stream.
func (f *Flow) Pending() (running, queued int) {
	for _, b := range f.snapshot() {
		running += int(b.running.Load())
		queued += b.stage.Admission.Len()
	}
	return running, queued
}

// Err implements Stream.
func (f *Flow) Err() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fatal
}

func (f *Flow) setFatal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fatal == nil {
		f.fatal = err
	}
}

func (f *Flow) snapshot() []*bus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]*bus(nil), f.stages...)
}

func (f *Flow) stageAt(i int) *bus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i < 0 || i >= len(f.stages) {
		return nil
	}
	return f.stages[i]
}

func (f *Flow) stageAfter(i int) *bus { return f.stageAt(i + 1) }

var _ Stream = (*Flow)(nil)
