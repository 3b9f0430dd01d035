package flow

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
)

var (
	// ErrEmptyFlow is returned when a flow would be built without any stage.
	ErrEmptyFlow = errors.New("flow is empty")

	// ErrInvalidStage is returned for a malformed stage descriptor (missing
	// job, job kind not matching the completion policy, zero ceiling, batch
	// larger than the ceiling).
	ErrInvalidStage = errors.New("invalid stage")

	// ErrBackend marks a driver that cannot run jobs at all.
	ErrBackend = errors.New("backend cannot execute jobs")

	// ErrStalled is returned by Await when nothing is running, no tick is
	// registered, and the admission policy of a stage will not release its
	// queued packets.
	ErrStalled = errors.New("flow stalled with queued packets")
)

// JobError is the failure of a job while processing one packet. Error jobs
// receive it; it never stops the flow for other packets.
type JobError struct {
	Stage    int
	PacketID uuid.UUID
	Err      error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("stage %d: packet %s: %v", e.Stage, e.PacketID, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// ErrorJobError is the failure of an error job. It is a program bug rather
// than a data condition, so Await returns it and stops.
type ErrorJobError struct {
	Stage    int
	PacketID uuid.UUID
	Err      error
}

func (e *ErrorJobError) Error() string {
	return fmt.Sprintf("error job at stage %d: packet %s: %v", e.Stage, e.PacketID, e.Err)
}

func (e *ErrorJobError) Unwrap() error { return e.Err }

// PanicError carries a panic recovered by a driver while running a task.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Unwrap returns the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func newPanicError(v interface{}) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

// IsFatal reports whether err stops construction or execution of a flow:
// configuration faults, backend faults and error-job failures. Job failures
// are not fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEmptyFlow) || errors.Is(err, ErrInvalidStage) || errors.Is(err, ErrBackend) {
		return true
	}
	return errors.As(err, new(*ErrorJobError))
}

// IsJobFailure reports whether err is a job failure for a single packet.
func IsJobFailure(err error) bool { return errors.As(err, new(*JobError)) }
