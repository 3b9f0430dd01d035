package flow

import "fmt"

// Generator produces stage descriptors for a Factory one at a time. prev is
// the flow built so far (nil before the first stage), so a later stage can
// refer to earlier ones. Returning false ends the sequence.
type Generator func(prev *Flow) (Stage, bool)

// Factory builds flows that share the same options, typically the same
// driver, logger and observers.
type Factory struct {
	opts []Option
}

// NewFactory returns a factory applying opts to every flow it creates.
func NewFactory(opts ...Option) *Factory {
	return &Factory{opts: opts}
}

// CreateFlow builds a single-stage flow.
func (fa *Factory) CreateFlow(s Stage) (*Flow, error) {
	return New(s, fa.opts...)
}

// Create pulls stages from gen until it is exhausted and folds them into one
// flow. It fails with ErrEmptyFlow if gen yields nothing.
func (fa *Factory) Create(gen Generator) (*Flow, error) {
	var acc *Flow
	for i := 0; ; i++ {
		s, ok := gen(acc)
		if !ok {
			break
		}
		next, err := fa.CreateFlow(s)
		if err != nil {
			return nil, fmt.Errorf("factory: stage %d: %w", i, err)
		}
		if acc == nil {
			acc = next
			continue
		}
		if _, err := acc.Concat(next); err != nil {
			return nil, fmt.Errorf("factory: stage %d: %w", i, err)
		}
	}
	if acc == nil {
		return nil, fmt.Errorf("factory: %w", ErrEmptyFlow)
	}
	return acc, nil
}

// Stages returns a generator yielding stages in order.
func Stages(stages ...Stage) Generator {
	i := 0
	return func(*Flow) (Stage, bool) {
		if i >= len(stages) {
			return Stage{}, false
		}
		s := stages[i]
		i++
		return s, true
	}
}
