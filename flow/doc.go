// Package flow runs packets through an ordered list of asynchronous stages.
//
// A Flow owns its stages and one Driver. Invoke queues a packet at the first
// stage; nothing runs until Await, which drives the loop: every iteration the
// driver fires due ticks, each stage pulls admissible packets from its
// AdmissionPolicy and hands their jobs to the driver, and finished jobs are
// routed by the stage's CompletionPolicy to the next stage (or to the output
// sink after the last stage). Await returns once no packet is queued or
// running anywhere and no tick is registered.
//
//	f, err := flow.New(flow.JobStage(parse), flow.WithDriver(flow.NewCoroutineDriver()))
//	if err != nil {
//		return err
//	}
//	if _, err := f.Fn(flow.Stage{Job: enrich, Admission: flow.NewBounded(4)}); err != nil {
//		return err
//	}
//	if _, err := f.Fn(flow.Stage{Job: store, Completion: flow.NewBatch(100), ErrorJob: logFailure}); err != nil {
//		return err
//	}
//	f.Invoke(flow.NewPacket(raw))
//	err = f.Await(ctx)
//
// # Admission
//
// Linear releases every queued packet at once. Bounded(N) keeps at most N
// packets dispatched at a stage; the rest wait in FIFO order.
//
// # Completion
//
// Immediate forwards each result as the packet's new payload. Batch(N)
// forwards N results together as one new packet whose payload is
// []interface{} in arrival order; partial batches never leave the stage, and
// their packets keep holding admission slots until the batch fills. Deferred
// stages run a DeferredJob that signals its own completion, possibly through
// further async steps started with Chain.
//
// # Failures
//
// A job error or panic fails only that packet. If the stage has an ErrorJob
// it is called with the packet and a *JobError; otherwise the packet is
// dropped. An ErrorJob that fails is a program bug: Await stops and returns
// an *ErrorJobError.
//
// # Drivers
//
// CoroutineDriver runs one job at a time and Delay yields to sibling jobs.
// WorkerDriver runs jobs on a pool of goroutines; its Delay sleeps the
// calling worker.
package flow
