package flow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// bus wires one stage's admission and completion policies to its job. The
// flow reaches it through push (admit), pull (dispatch admissible packets),
// and the driver reports back into complete, which pops the slot and routes
// the result.
type bus struct {
	flow  *Flow
	stage Stage
	info  StageInfo

	running atomic.Int64
}

func newBus(f *Flow, s Stage, index int) *bus {
	return &bus{
		flow:  f,
		stage: s,
		info:  StageInfo{Flow: f.name, Index: index, Name: s.Name},
	}
}

func (b *bus) push(p *Packet) {
	b.stage.Admission.Push(p)
	b.flow.observer.Pushed(b.info, p)
}

func (b *bus) pull(ctx context.Context) int {
	packets := b.stage.Admission.Pull()
	for _, p := range packets {
		b.dispatch(ctx, p)
	}
	return len(packets)
}

func (b *bus) dispatch(ctx context.Context, p *Packet) {
	b.running.Add(1)
	b.flow.observer.Dispatched(b.info, p)
	b.flow.logger.Debug("dispatching packet",
		"flow", b.info.Flow, "stage", b.info.Name, "packet_id", p.ID())

	start := time.Now()
	var once sync.Once
	done := func(v interface{}, err error) {
		once.Do(func() { b.complete(ctx, p, v, err, time.Since(start)) })
	}

	d := b.flow.driver
	if job := b.stage.Job; job != nil {
		d.Async(func(ctx context.Context) (interface{}, error) {
			return job(ctx, p.Payload(), p.Err())
		}, func(r Result) {
			done(r.Value, r.Err)
		})()
		return
	}

	// Completions are posted through the driver so that routing always runs
	// on the driver loop, whichever goroutine the job completes from.
	var completed atomic.Bool
	complete := func(v interface{}) {
		if !completed.CompareAndSwap(false, true) {
			return
		}
		d.Async(func(context.Context) (interface{}, error) {
			return v, nil
		}, func(r Result) {
			done(r.Value, nil)
		})()
	}
	failOnErr := func(r Result) {
		if r.Err != nil {
			done(nil, r.Err)
		}
	}
	chain := func(step Step, next Complete) {
		if next == nil {
			next = func(interface{}) {}
		}
		d.Async(func(ctx context.Context) (interface{}, error) {
			return nil, step(ctx, next)
		}, failOnErr)()
	}
	deferred := b.stage.Deferred
	d.Async(func(ctx context.Context) (interface{}, error) {
		return nil, deferred(ctx, p.Payload(), complete, chain)
	}, failOnErr)()
}

func (b *bus) complete(ctx context.Context, p *Packet, v interface{}, err error, elapsed time.Duration) {
	b.running.Add(-1)
	if err != nil {
		b.fail(ctx, p, err, elapsed)
		return
	}
	b.flow.observer.Completed(b.info, p, elapsed)

	e := b.stage.Completion.OnResult(p, v)
	switch e.Kind {
	case EmitNow:
		b.stage.Admission.Pop(p)
		b.emit(ctx, e.Kind, p.WithPayload(e.Value))
	case EmitBatch:
		for _, q := range e.Packets {
			b.stage.Admission.Pop(q)
		}
		b.emit(ctx, e.Kind, NewPacket(e.Values))
	case Suppressed:
		// The slot stays held until the buffered result is emitted.
	}
}

func (b *bus) fail(ctx context.Context, p *Packet, err error, elapsed time.Duration) {
	b.stage.Admission.Pop(p)
	jerr := &JobError{Stage: b.info.Index, PacketID: p.ID(), Err: err}
	failed := p.WithError(jerr)
	b.flow.observer.Failed(b.info, failed, jerr, elapsed)

	if b.stage.ErrorJob == nil {
		b.flow.observer.Dropped(b.info, failed, jerr)
		b.flow.logger.Debug("dropping failed packet",
			"flow", b.info.Flow, "stage", b.info.Name, "packet_id", p.ID(), "error", err)
		return
	}
	b.flow.logger.Warn("job failed",
		"flow", b.info.Flow, "stage", b.info.Name, "packet_id", p.ID(), "error", err)
	if ferr := b.runErrorJob(ctx, failed, jerr); ferr != nil {
		b.flow.logger.Error("error job failed",
			"flow", b.info.Flow, "stage", b.info.Name, "packet_id", p.ID(), "error", ferr)
		b.flow.setFatal(&ErrorJobError{Stage: b.info.Index, PacketID: p.ID(), Err: ferr})
	}
}

func (b *bus) runErrorJob(ctx context.Context, p *Packet, jerr *JobError) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return b.stage.ErrorJob(ctx, p, jerr)
}

func (b *bus) emit(ctx context.Context, kind EmitKind, p *Packet) {
	b.flow.observer.Emitted(b.info, kind, p)
	if next := b.flow.stageAfter(b.info.Index); next != nil {
		next.push(p)
		return
	}
	if b.flow.output != nil {
		b.flow.output(ctx, p)
	}
}

func (b *bus) stats() StageStats {
	a := b.stage.Admission
	s := StageStats{
		Index:      b.info.Index,
		Name:       b.info.Name,
		Queued:     a.Len(),
		Dispatched: a.Dispatched(),
		Running:    int(b.running.Load()),
		Ceiling:    a.Ceiling(),
	}
	if batch, ok := b.stage.Completion.(*Batch); ok {
		s.Buffered = batch.Buffered()
	}
	return s
}

// StageStats is a point-in-time view of one stage.
type StageStats struct {
	Index      int
	Name       string
	Queued     int
	Dispatched int
	Running    int
	Buffered   int
	Ceiling    int
}

func (s StageStats) String() string {
	return fmt.Sprintf("%s: queued=%d dispatched=%d running=%d buffered=%d",
		s.Name, s.Queued, s.Dispatched, s.Running, s.Buffered)
}
