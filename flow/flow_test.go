package flow

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Number int
}

// forEachDriver runs fn once per backend; flow semantics must not depend on it.
func forEachDriver(t *testing.T, fn func(t *testing.T, d Driver)) {
	t.Helper()
	t.Run("coroutine", func(t *testing.T) {
		fn(t, NewCoroutineDriver())
	})
	t.Run("worker", func(t *testing.T) {
		d, err := NewWorkerDriver(WithWorkers(4))
		require.NoError(t, err)
		fn(t, d)
	})
}

// sink collects packets leaving the last stage.
type sink struct {
	mu  sync.Mutex
	out []*Packet
}

func (s *sink) collect(_ context.Context, p *Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, p)
}

func (s *sink) payloads() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interface{}, len(s.out))
	for i, p := range s.out {
		out[i] = p.Payload()
	}
	return out
}

func awaitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFlow_NumberIsFive(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		var asserted atomic.Int32
		out := &sink{}
		f, err := New(JobStage(func(_ context.Context, payload interface{}, _ error) (interface{}, error) {
			r := payload.(record)
			r.Number = 5
			return r, nil
		}), WithDriver(d), WithOutput(out.collect))
		require.NoError(t, err)
		_, err = f.Fn(JobStage(func(_ context.Context, payload interface{}, _ error) (interface{}, error) {
			if payload.(record).Number == 5 {
				asserted.Add(1)
			}
			return payload, nil
		}))
		require.NoError(t, err)

		a, b := NewPacket(record{}), NewPacket(record{})
		f.Invoke(a)
		f.Invoke(b)
		require.NoError(t, f.Await(awaitCtx(t)))

		assert.EqualValues(t, 2, asserted.Load())
		assert.ElementsMatch(t, []interface{}{record{5}, record{5}}, out.payloads())
		ids := []interface{}{out.out[0].ID(), out.out[1].ID()}
		assert.ElementsMatch(t, []interface{}{a.ID(), b.ID()}, ids, "packets keep their identity across stages")
	})
}

func TestFlow_ErrorJobCalledOnce(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		boom := errors.New("boom")
		var handled []*Packet
		var handledErr error
		var reachedNext atomic.Bool

		f, err := New(Stage{
			Job: func(context.Context, interface{}, error) (interface{}, error) { return nil, boom },
			ErrorJob: func(_ context.Context, p *Packet, err error) error {
				handled = append(handled, p)
				handledErr = err
				return nil
			},
		}, WithDriver(d))
		require.NoError(t, err)
		_, err = f.Fn(JobStage(func(_ context.Context, payload interface{}, _ error) (interface{}, error) {
			reachedNext.Store(true)
			return payload, nil
		}))
		require.NoError(t, err)

		in := NewPacket(record{Number: 1})
		f.Invoke(in)
		require.NoError(t, f.Await(awaitCtx(t)))

		require.Len(t, handled, 1)
		assert.Equal(t, in.ID(), handled[0].ID())
		assert.Equal(t, record{Number: 1}, handled[0].Payload())
		assert.ErrorIs(t, handledErr, boom)
		var jerr *JobError
		require.ErrorAs(t, handledErr, &jerr)
		assert.Equal(t, 0, jerr.Stage)
		assert.Equal(t, in.ID(), jerr.PacketID)
		assert.False(t, reachedNext.Load())
	})
}

func TestFlow_FailedPacketDroppedWithoutErrorJob(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		rec := &recordingObserver{}
		out := &sink{}
		f, err := New(JobStage(func(_ context.Context, payload interface{}, _ error) (interface{}, error) {
			if payload.(int)%2 == 0 {
				return nil, errors.New("even")
			}
			return payload, nil
		}), WithDriver(d), WithOutput(out.collect), WithObserver(rec))
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			f.Invoke(NewPacket(i))
		}
		require.NoError(t, f.Await(awaitCtx(t)))

		assert.ElementsMatch(t, []interface{}{1, 3}, out.payloads())
		assert.Equal(t, 2, rec.count("dropped"))
		for _, s := range f.Stats() {
			assert.Zero(t, s.Dispatched)
			assert.Zero(t, s.Queued)
		}
	})
}

func TestFlow_PanicIsJobFailure(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		var got error
		f, err := New(Stage{
			Job: func(context.Context, interface{}, error) (interface{}, error) { panic("kaboom") },
			ErrorJob: func(_ context.Context, _ *Packet, err error) error {
				got = err
				return nil
			},
		}, WithDriver(d))
		require.NoError(t, err)

		f.Invoke(NewPacket(nil))
		require.NoError(t, f.Await(awaitCtx(t)))

		var pe *PanicError
		require.ErrorAs(t, got, &pe)
		assert.Equal(t, "kaboom", pe.Value)
	})
}

func TestFlow_ErrorJobFailureStopsAwait(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		broken := errors.New("handler broke")
		f, err := New(Stage{
			Job: func(context.Context, interface{}, error) (interface{}, error) { return nil, errors.New("bad") },
			ErrorJob: func(context.Context, *Packet, error) error {
				return broken
			},
		}, WithDriver(d))
		require.NoError(t, err)

		f.Invoke(NewPacket(nil))
		err = f.Await(awaitCtx(t))
		require.Error(t, err)
		assert.ErrorIs(t, err, broken)
		var eje *ErrorJobError
		assert.ErrorAs(t, err, &eje)
		assert.True(t, IsFatal(err))
	})
}

func TestFlow_FatalAwaitReleasesSleepingJobs(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		before := runtime.NumGoroutine()
		var errorJobCalls atomic.Int32
		f, err := New(Stage{
			Job: func(ctx context.Context, payload interface{}, _ error) (interface{}, error) {
				if payload.(int) == 0 {
					if err := d.Delay(ctx, 20*time.Millisecond); err != nil {
						return nil, err
					}
					return nil, errors.New("bad")
				}
				return payload, d.Delay(ctx, time.Hour)
			},
			ErrorJob: func(context.Context, *Packet, error) error {
				errorJobCalls.Add(1)
				return errors.New("handler broke")
			},
		}, WithDriver(d))
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			f.Invoke(NewPacket(i))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		start := time.Now()
		err = f.Await(ctx)
		var eje *ErrorJobError
		require.ErrorAs(t, err, &eje)
		assert.Less(t, time.Since(start), 5*time.Second, "sleeping siblings must not hold Await open")

		assert.Zero(t, f.Stats()[0].Running)
		assert.EqualValues(t, 4, errorJobCalls.Load(), "interrupted siblings fail through the error job")
		assert.Eventually(t, func() bool {
			return runtime.NumGoroutine() <= before
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestFlow_BoundedConcurrencyCap(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		var inflight, peak atomic.Int32
		var sampledOver atomic.Bool
		admission := NewBounded(1)

		obs := &funcObserver{dispatched: func(StageInfo, *Packet) {
			if admission.Dispatched() > 1 {
				sampledOver.Store(true)
			}
		}}
		out := &sink{}
		f, err := New(Stage{
			Admission: admission,
			Job: func(ctx context.Context, payload interface{}, _ error) (interface{}, error) {
				n := inflight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				defer inflight.Add(-1)
				if err := d.Delay(ctx, 2*time.Millisecond); err != nil {
					return nil, err
				}
				r := payload.(record)
				r.Number *= 2
				return r, nil
			},
		}, WithDriver(d), WithObserver(obs), WithOutput(out.collect))
		require.NoError(t, err)

		for i := 1; i <= 3; i++ {
			f.Invoke(NewPacket(record{Number: i}))
		}
		require.NoError(t, f.Await(awaitCtx(t)))

		assert.EqualValues(t, 1, peak.Load())
		assert.False(t, sampledOver.Load())
		assert.Equal(t, []interface{}{record{2}, record{4}, record{6}}, out.payloads(),
			"one slot serializes the stage in FIFO order")
	})
}

func TestFlow_BatchStage(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		out := &sink{}
		f, err := New(Stage{
			Job:        Identity(),
			Completion: NewBatch(2),
		}, WithDriver(d), WithOutput(out.collect))
		require.NoError(t, err)

		for i := 1; i <= 4; i++ {
			f.Invoke(NewPacket(i))
		}
		require.NoError(t, f.Await(awaitCtx(t)))

		require.Len(t, out.out, 2)
		var all []int
		for _, payload := range out.payloads() {
			batch, ok := payload.([]interface{})
			require.True(t, ok)
			require.Len(t, batch, 2)
			for _, v := range batch {
				all = append(all, v.(int))
			}
		}
		sort.Ints(all)
		assert.Equal(t, []int{1, 2, 3, 4}, all)
	})
}

func TestFlow_BatchOrderOnCoroutineDriver(t *testing.T) {
	out := &sink{}
	f, err := New(Stage{Job: Identity(), Completion: NewBatch(2)}, WithOutput(out.collect))
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		f.Invoke(NewPacket(i))
	}
	require.NoError(t, f.Await(awaitCtx(t)))
	assert.Equal(t, []interface{}{[]interface{}{1, 2}, []interface{}{3, 4}}, out.payloads())
}

func TestFlow_PartialBatchHeldAtQuiescence(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		out := &sink{}
		f, err := New(Stage{Job: Identity(), Completion: NewBatch(2)},
			WithDriver(d), WithOutput(out.collect))
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			f.Invoke(NewPacket(i))
		}
		require.NoError(t, f.Await(awaitCtx(t)))

		assert.Len(t, out.out, 1)
		stats := f.Stats()
		require.Len(t, stats, 1)
		assert.Equal(t, 1, stats[0].Buffered)
		assert.Equal(t, 1, stats[0].Dispatched, "a buffered result keeps its slot")
		assert.Zero(t, stats[0].Running)
	})
}

// closedGate queues packets but never admits one.
type closedGate struct{ AdmissionPolicy }

func (closedGate) Pull() []*Packet { return nil }

func TestFlow_StalledWhenNothingIsAdmitted(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		f, err := New(Stage{
			Job:       Identity(),
			Admission: closedGate{NewLinear()},
		}, WithDriver(d))
		require.NoError(t, err)

		f.Invoke(NewPacket(1))
		f.Invoke(NewPacket(2))
		err = f.Await(awaitCtx(t))
		assert.ErrorIs(t, err, ErrStalled)
		assert.False(t, IsFatal(err))
	})
}

func TestFlow_DeferredChain(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		out := &sink{}
		f, err := New(DeferredStage(func(_ context.Context, payload interface{}, complete Complete, chain Chain) error {
			chain(func(_ context.Context, next Complete) error {
				next(payload.(string) + "-inner")
				return nil
			}, complete)
			return nil
		}), WithDriver(d), WithOutput(out.collect))
		require.NoError(t, err)

		f.Invoke(NewPacket("v"))
		require.NoError(t, f.Await(awaitCtx(t)))
		assert.Equal(t, []interface{}{"v-inner"}, out.payloads())
	})
}

func TestFlow_DeferredMultiHop(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		out := &sink{}
		f, err := New(DeferredStage(func(_ context.Context, payload interface{}, complete Complete, chain Chain) error {
			chain(func(ctx context.Context, next Complete) error {
				if err := d.Delay(ctx, time.Millisecond); err != nil {
					return err
				}
				next(payload.(int) + 1)
				return nil
			}, func(v interface{}) {
				chain(func(_ context.Context, next Complete) error {
					next(v.(int) * 10)
					return nil
				}, complete)
			})
			return nil
		}), WithDriver(d), WithOutput(out.collect))
		require.NoError(t, err)

		f.Invoke(NewPacket(1))
		require.NoError(t, f.Await(awaitCtx(t)))
		assert.Equal(t, []interface{}{20}, out.payloads())
	})
}

func TestFlow_DeferredStepErrorFailsPacket(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		boom := errors.New("step failed")
		var got error
		f, err := New(Stage{
			Deferred: func(_ context.Context, _ interface{}, complete Complete, chain Chain) error {
				chain(func(context.Context, Complete) error { return boom }, complete)
				return nil
			},
			ErrorJob: func(_ context.Context, _ *Packet, err error) error {
				got = err
				return nil
			},
		}, WithDriver(d))
		require.NoError(t, err)

		f.Invoke(NewPacket(nil))
		require.NoError(t, f.Await(awaitCtx(t)))
		assert.ErrorIs(t, got, boom)
	})
}

func TestFlow_CompleteCountsOnce(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		out := &sink{}
		f, err := New(DeferredStage(func(_ context.Context, _ interface{}, complete Complete, _ Chain) error {
			complete("first")
			complete("second")
			return nil
		}), WithDriver(d), WithOutput(out.collect))
		require.NoError(t, err)

		f.Invoke(NewPacket(nil))
		require.NoError(t, f.Await(awaitCtx(t)))
		assert.Equal(t, []interface{}{"first"}, out.payloads())
	})
}

func TestFlow_EveryUntilCancelled(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		out := &sink{}
		f, err := New(JobStage(Identity()), WithDriver(d), WithOutput(out.collect))
		require.NoError(t, err)

		n := 0
		var cancel func()
		cancel = f.Every(1, func() interface{} {
			n++
			if n == 3 {
				cancel()
			}
			return n
		})
		require.NoError(t, f.Await(awaitCtx(t)))
		assert.ElementsMatch(t, []interface{}{1, 2, 3}, out.payloads())
	})
}

func TestFlow_AwaitIdleFlowReturns(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		f, err := New(JobStage(Identity()), WithDriver(d))
		require.NoError(t, err)
		assert.NoError(t, f.Await(awaitCtx(t)))
	})
}

func TestFlow_AwaitContextCancelled(t *testing.T) {
	forEachDriver(t, func(t *testing.T, d Driver) {
		f, err := New(JobStage(func(ctx context.Context, payload interface{}, _ error) (interface{}, error) {
			return payload, d.Delay(ctx, time.Hour)
		}), WithDriver(d))
		require.NoError(t, err)

		f.Invoke(NewPacket(nil))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, f.Await(ctx), context.DeadlineExceeded)
	})
}

func TestFlow_InvalidStages(t *testing.T) {
	job := Identity()
	deferred := func(context.Context, interface{}, Complete, Chain) error { return nil }
	cases := map[string]Stage{
		"no job":              {},
		"both jobs":           {Job: job, Deferred: deferred},
		"zero ceiling":        {Job: job, Admission: NewBounded(0)},
		"zero batch":          {Job: job, Completion: NewBatch(0)},
		"deferred immediate":  {Deferred: deferred, Completion: NewImmediate()},
		"job with deferred":   {Job: job, Completion: NewDeferred()},
		"deferred with batch": {Deferred: deferred, Completion: NewBatch(2)},
		"batch over bound":    {Job: job, Admission: NewBounded(2), Completion: NewBatch(3)},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(s)
			assert.ErrorIs(t, err, ErrInvalidStage)
			assert.True(t, IsFatal(err))
		})
	}
}

func TestFlow_Concat(t *testing.T) {
	out := &sink{}
	a, err := New(JobStage(Transform(func(_ context.Context, n int) (int, error) { return n + 1, nil })),
		WithName("a"), WithOutput(out.collect))
	require.NoError(t, err)
	b, err := New(JobStage(Transform(func(_ context.Context, n int) (int, error) { return n * 2, nil })),
		WithName("b"))
	require.NoError(t, err)

	_, err = a.Concat(b)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 0, b.Len())
	assert.ErrorIs(t, b.Await(context.Background()), ErrEmptyFlow)

	a.Invoke(NewPacket(3))
	require.NoError(t, a.Await(awaitCtx(t)))
	assert.Equal(t, []interface{}{8}, out.payloads())
	assert.Equal(t, "stage-0", a.Stats()[1].Name, "moved stages keep their names")

	_, err = a.Concat(a)
	assert.Error(t, err)
}

func TestFlow_PrevErrIsPassed(t *testing.T) {
	var seen error
	f, err := New(JobStage(func(_ context.Context, payload interface{}, prevErr error) (interface{}, error) {
		seen = prevErr
		return payload, nil
	}))
	require.NoError(t, err)

	prev := errors.New("earlier")
	f.Invoke(NewPacket(1).WithError(prev))
	require.NoError(t, f.Await(awaitCtx(t)))
	assert.Equal(t, prev, seen)
}

func TestFlow_ObserverEvents(t *testing.T) {
	rec := &recordingObserver{}
	f, err := New(JobStage(Identity()), WithName("obs"), WithObserver(rec), WithObserver(NopObserver{}))
	require.NoError(t, err)
	_, err = f.Fn(Stage{Name: "fail", Job: func(context.Context, interface{}, error) (interface{}, error) {
		return nil, errors.New("x")
	}})
	require.NoError(t, err)

	f.Invoke(NewPacket(1))
	require.NoError(t, f.Await(awaitCtx(t)))

	assert.Equal(t, []string{
		"pushed obs/stage-0",
		"dispatched obs/stage-0",
		"completed obs/stage-0",
		"emit obs/stage-0",
		"pushed obs/fail",
		"dispatched obs/fail",
		"failed obs/fail",
		"dropped obs/fail",
	}, rec.events())
}

type recordingObserver struct {
	mu  sync.Mutex
	log []string
}

func (r *recordingObserver) add(kind string, info StageInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, kind+" "+info.Flow+"/"+info.Name)
}

func (r *recordingObserver) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *recordingObserver) count(kind string) int {
	n := 0
	for _, e := range r.events() {
		if len(e) > len(kind) && e[:len(kind)+1] == kind+" " {
			n++
		}
	}
	return n
}

func (r *recordingObserver) Pushed(info StageInfo, _ *Packet)     { r.add("pushed", info) }
func (r *recordingObserver) Dispatched(info StageInfo, _ *Packet) { r.add("dispatched", info) }
func (r *recordingObserver) Completed(info StageInfo, _ *Packet, _ time.Duration) {
	r.add("completed", info)
}
func (r *recordingObserver) Failed(info StageInfo, _ *Packet, _ error, _ time.Duration) {
	r.add("failed", info)
}
func (r *recordingObserver) Dropped(info StageInfo, _ *Packet, _ error) { r.add("dropped", info) }
func (r *recordingObserver) Emitted(info StageInfo, kind EmitKind, _ *Packet) {
	r.add(kind.String(), info)
}

type funcObserver struct {
	NopObserver
	dispatched func(StageInfo, *Packet)
}

func (o *funcObserver) Dispatched(info StageInfo, p *Packet) { o.dispatched(info, p) }
