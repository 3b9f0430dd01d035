package flow

import "fmt"

// Stage describes one pipeline position. Exactly one of Job and Deferred
// must be set. Nil policies take defaults: Linear admission, and Immediate
// completion for a Job or Deferred completion for a DeferredJob.
//
// Policies are stateful and belong to a single stage; do not share one
// instance between two stages.
type Stage struct {
	Name       string
	Job        Job
	Deferred   DeferredJob
	ErrorJob   ErrorJob
	Admission  AdmissionPolicy
	Completion CompletionPolicy
}

// JobStage is shorthand for a stage running job with default policies.
func JobStage(job Job) Stage { return Stage{Job: job} }

// DeferredStage is shorthand for a stage running a deferred job.
func DeferredStage(job DeferredJob) Stage { return Stage{Deferred: job} }

// normalize validates s and fills in default policies.
func (s Stage) normalize(index int) (Stage, error) {
	if s.Name == "" {
		s.Name = fmt.Sprintf("stage-%d", index)
	}
	switch {
	case s.Job == nil && s.Deferred == nil:
		return s, fmt.Errorf("%w: %s has no job", ErrInvalidStage, s.Name)
	case s.Job != nil && s.Deferred != nil:
		return s, fmt.Errorf("%w: %s sets both a job and a deferred job", ErrInvalidStage, s.Name)
	}
	if s.Admission == nil {
		s.Admission = NewLinear()
	}
	if c := s.Admission.Ceiling(); c < 1 {
		return s, fmt.Errorf("%w: %s has admission ceiling %d", ErrInvalidStage, s.Name, c)
	}
	if s.Completion == nil {
		if s.Deferred != nil {
			s.Completion = NewDeferred()
		} else {
			s.Completion = NewImmediate()
		}
	}
	_, isDeferred := s.Completion.(*Deferred)
	switch {
	case s.Deferred != nil && !isDeferred:
		return s, fmt.Errorf("%w: %s runs a deferred job under %T", ErrInvalidStage, s.Name, s.Completion)
	case s.Job != nil && isDeferred:
		return s, fmt.Errorf("%w: %s uses deferred completion without a deferred job", ErrInvalidStage, s.Name)
	}
	if b, ok := s.Completion.(*Batch); ok {
		switch c := s.Admission.Ceiling(); {
		case b.Size() < 1:
			return s, fmt.Errorf("%w: %s has batch size %d", ErrInvalidStage, s.Name, b.Size())
		case b.Size() > c:
			// Buffered results hold their slots, so the batch could never fill.
			return s, fmt.Errorf("%w: %s batches %d results but admits only %d", ErrInvalidStage, s.Name, b.Size(), c)
		}
	}
	return s, nil
}
