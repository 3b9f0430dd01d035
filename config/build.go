package config

import (
	"context"
	"fmt"
	"time"

	"github.com/dcshock/runflow/flow"
	"github.com/dcshock/runflow/logging"
)

// BuildOptions configures how flows are built from config.
type BuildOptions struct {
	// Driver, when set, is used by every built flow instead of the configured one.
	Driver flow.Driver

	// Logger is passed to every built flow.
	Logger logging.Logger

	// Observers are attached to every built flow.
	Observers []flow.Observer

	// Output receives packets leaving the last stage of every built flow.
	Output func(ctx context.Context, p *flow.Packet)
}

// BuildDriver creates the driver described by cfg.
func BuildDriver(cfg DriverConfig) (flow.Driver, error) {
	poll := cfg.PollInterval.Duration()
	switch cfg.Kind {
	case "", "coroutine":
		return flow.NewCoroutineDriver(flow.WithCoroutinePollInterval(poll)), nil
	case "worker":
		opts := []flow.WorkerOption{flow.WithWorkerPollInterval(poll)}
		if cfg.Workers != 0 {
			opts = append(opts, flow.WithWorkers(cfg.Workers))
		}
		return flow.NewWorkerDriver(opts...)
	default:
		return nil, fmt.Errorf("%w: driver %q not supported (use \"coroutine\" or \"worker\")", flow.ErrBackend, cfg.Kind)
	}
}

// BuildFlow builds a flow from config and registry. Job names in config must be registered.
func BuildFlow(reg *Registry, cfg *FlowConfig, opts *BuildOptions) (*flow.Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if opts == nil {
		opts = &BuildOptions{}
	}
	driver := opts.Driver
	if driver == nil {
		var err error
		if driver, err = BuildDriver(cfg.Driver); err != nil {
			return nil, fmt.Errorf("flow %q: %w", cfg.Name, err)
		}
	}

	stages := make([]flow.Stage, 0, len(cfg.Stages))
	for i, ref := range cfg.Stages {
		if ref.Name == "" {
			return nil, fmt.Errorf("flow %q: stage %d: %w: name required", cfg.Name, i, flow.ErrInvalidStage)
		}
		s, err := buildStage(reg, driver, ref)
		if err != nil {
			return nil, fmt.Errorf("flow %q: stage %d (%q): %w", cfg.Name, i, ref.Name, err)
		}
		stages = append(stages, s)
	}

	flowOpts := []flow.Option{flow.WithName(cfg.Name), flow.WithDriver(driver)}
	if opts.Logger != nil {
		flowOpts = append(flowOpts, flow.WithLogger(opts.Logger))
	}
	for _, o := range opts.Observers {
		flowOpts = append(flowOpts, flow.WithObserver(o))
	}
	if opts.Output != nil {
		flowOpts = append(flowOpts, flow.WithOutput(opts.Output))
	}
	f, err := flow.NewFactory(flowOpts...).Create(flow.Stages(stages...))
	if err != nil {
		return nil, fmt.Errorf("flow %q: %w", cfg.Name, err)
	}
	return f, nil
}

func buildStage(reg *Registry, driver flow.Driver, ref StageRef) (flow.Stage, error) {
	s := flow.Stage{Name: ref.Name}
	if ref.Label != "" {
		s.Name = ref.Label
	}

	if job, ok := reg.Get(ref.Name); ok {
		job, err := wrapRetry(job, driver, ref)
		if err != nil {
			return s, err
		}
		if ref.Timeout > 0 {
			if w, ok := driver.(interface{ Workers() int }); ok && w.Workers() < 2 {
				return s, fmt.Errorf("%w: timeout needs a worker pool of at least 2, got %d", flow.ErrInvalidStage, w.Workers())
			}
			s.Deferred = flow.WithTimeout(driver, job, ref.Timeout.Duration())
		} else {
			s.Job = job
		}
	} else if deferred, ok := reg.GetDeferred(ref.Name); ok {
		if ref.Retry != "" || ref.Timeout > 0 {
			return s, fmt.Errorf("%w: retry and timeout apply to plain jobs only", flow.ErrInvalidStage)
		}
		s.Deferred = deferred
	} else {
		return s, fmt.Errorf("%w: %q not in registry", flow.ErrInvalidStage, ref.Name)
	}

	if ref.ErrorJob != "" {
		ej, ok := reg.GetErrorJob(ref.ErrorJob)
		if !ok {
			return s, fmt.Errorf("%w: error job %q not in registry", flow.ErrInvalidStage, ref.ErrorJob)
		}
		s.ErrorJob = ej
	}
	switch {
	case ref.Concurrency < 0:
		return s, fmt.Errorf("%w: concurrency %d", flow.ErrInvalidStage, ref.Concurrency)
	case ref.Concurrency > 0:
		s.Admission = flow.NewBounded(ref.Concurrency)
	}
	switch {
	case ref.Batch < 0:
		return s, fmt.Errorf("%w: batch %d", flow.ErrInvalidStage, ref.Batch)
	case ref.Batch > 0:
		s.Completion = flow.NewBatch(ref.Batch)
	}
	return s, nil
}

func wrapRetry(job flow.Job, driver flow.Driver, ref StageRef) (flow.Job, error) {
	if ref.Retry == "" {
		return job, nil
	}
	initial := ref.Initial.Duration()
	if initial <= 0 {
		initial = time.Second
	}
	policy := flow.RetryPolicy{
		MaxAttempts: ref.MaxAttempts,
		Backoff:     initial,
		ShouldRetry: flow.IsRetryable,
	}
	switch ref.Retry {
	case "fixed":
		policy.Multiplier = 1
	case "exponential":
		policy.Multiplier = 2
		if ref.Multiplier > 0 {
			policy.Multiplier = ref.Multiplier
		}
		policy.Cap = ref.Cap.Duration()
	default:
		return nil, fmt.Errorf("%w: retry %q not supported (use \"fixed\" or \"exponential\")", flow.ErrInvalidStage, ref.Retry)
	}
	return flow.Retry(driver, job, policy), nil
}

// BuildAllFlows builds a flow for each entry in multi. Keys are flow names.
// If a flow config's Name is empty, the map key is used as the flow name, and
// a flow without a driver section uses multi.Driver.
func BuildAllFlows(reg *Registry, multi *MultiFlowConfig, opts *BuildOptions) (map[string]*flow.Flow, error) {
	if multi == nil {
		return nil, fmt.Errorf("MultiFlowConfig is nil")
	}
	out := make(map[string]*flow.Flow, len(multi.Flows))
	for name, cfg := range multi.Flows {
		if cfg.Name == "" {
			cfg.Name = name
		}
		if cfg.Driver.IsZero() {
			cfg.Driver = multi.Driver
		}
		f, err := BuildFlow(reg, &cfg, opts)
		if err != nil {
			return nil, fmt.Errorf("flow %q: %w", name, err)
		}
		out[name] = f
	}
	return out, nil
}
