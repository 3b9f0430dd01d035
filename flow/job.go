package flow

import "context"

// Job processes the payload of one packet and returns the new payload. The
// packet's previous error, if any, is passed as prevErr. Returning an error
// fails the packet at this stage.
type Job func(ctx context.Context, payload interface{}, prevErr error) (interface{}, error)

// ErrorJob handles a packet whose job failed. err is a *JobError wrapping
// the job's error. A non-nil return is a configuration fault and stops Await.
type ErrorJob func(ctx context.Context, p *Packet, err error) error

// Complete delivers the result of a deferred job. Only the first call for a
// packet counts.
type Complete func(value interface{})

// Step is a unit of work started through Chain. It receives the
// continuation to call when it has a value. Returning an error fails the
// packet that owns the chain.
type Step func(ctx context.Context, next Complete) error

// Chain runs step asynchronously on the flow's driver and hands it next.
// Passing the job's own Complete as next lets a nested step finish the
// stage; passing another function builds a multi-hop composition.
type Chain func(step Step, next Complete)

// DeferredJob is the job kind for stages using the Deferred completion
// policy. The stage result is whatever value is passed to complete, possibly
// long after the function has returned.
type DeferredJob func(ctx context.Context, payload interface{}, complete Complete, chain Chain) error
