package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dcshock/runflow/flow"
)

// Registry maps names to jobs, deferred jobs and error jobs. Jobs and
// deferred jobs share one namespace. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]flow.Job
	deferred  map[string]flow.DeferredJob
	errorJobs map[string]flow.ErrorJob
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:      make(map[string]flow.Job),
		deferred:  make(map[string]flow.DeferredJob),
		errorJobs: make(map[string]flow.ErrorJob),
	}
}

// Register adds a job under the given name. Overwrites any existing job or
// deferred job of that name.
func (r *Registry) Register(name string, job flow.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	delete(r.deferred, name)
	r.jobs[name] = job
}

// RegisterDeferred adds a deferred job under the given name. Overwrites any
// existing job or deferred job of that name.
func (r *Registry) RegisterDeferred(name string, job flow.DeferredJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	delete(r.jobs, name)
	r.deferred[name] = job
}

// RegisterErrorJob adds an error job under the given name.
func (r *Registry) RegisterErrorJob(name string, job flow.ErrorJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	r.errorJobs[name] = job
}

func (r *Registry) init() {
	if r.jobs == nil {
		r.jobs = make(map[string]flow.Job)
	}
	if r.deferred == nil {
		r.deferred = make(map[string]flow.DeferredJob)
	}
	if r.errorJobs == nil {
		r.errorJobs = make(map[string]flow.ErrorJob)
	}
}

// Get returns the job for name, or nil and false if not found.
func (r *Registry) Get(name string) (flow.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[name]
	return j, ok
}

// GetDeferred returns the deferred job for name, or nil and false if not found.
func (r *Registry) GetDeferred(name string) (flow.DeferredJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.deferred[name]
	return j, ok
}

// GetErrorJob returns the error job for name, or nil and false if not found.
func (r *Registry) GetErrorJob(name string) (flow.ErrorJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.errorJobs[name]
	return j, ok
}

// MustGet returns the job for name, or panics if not found.
func (r *Registry) MustGet(name string) flow.Job {
	j, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("config: job %q not registered", name))
	}
	return j
}

// Names returns all registered job and deferred job names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.jobs)+len(r.deferred))
	for n := range r.jobs {
		names = append(names, n)
	}
	for n := range r.deferred {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
