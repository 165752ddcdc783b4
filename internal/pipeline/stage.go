package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrInputUnusable marks a failure caused by corrupt or unusable input.
	// It is terminal for the run and never retried.
	ErrInputUnusable = errors.New("pipeline: input unusable")
	// ErrStagePanic wraps a panic recovered from a stage.
	ErrStagePanic = errors.New("pipeline: stage panicked")
)

// DefaultOrder is the stage order used when none is configured.
var DefaultOrder = []string{
	"compute", "enrich", "mask", "denoise", "interpolate",
	"regrid", "detect", "aggregate", "export",
}

// Stage is one named transformation step.
type Stage interface {
	Name() string
	Run(ctx context.Context, c Context) (Context, error)
}

// StageFunc is the function form of Stage.Run.
type StageFunc func(ctx context.Context, c Context) (Context, error)

type namedStage struct {
	name string
	fn   StageFunc
}

func (s namedStage) Name() string { return s.name }

func (s namedStage) Run(ctx context.Context, c Context) (Context, error) { return s.fn(ctx, c) }

// Named adapts fn into a Stage called name.
func Named(name string, fn StageFunc) Stage {
	return namedStage{name: name, fn: fn}
}

// StageError reports the stage that stopped a pipeline.
type StageError struct {
	Stage string
	Index int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Registry maps stage names to implementations.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

// Register adds s. Names must be unique.
func (r *Registry) Register(s Stage) error {
	name := s.Name()
	if name == "" {
		return fmt.Errorf("pipeline: stage name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[name]; ok {
		return fmt.Errorf("pipeline: stage %q already registered", name)
	}
	r.stages[name] = s
	return nil
}

// Resolve returns the stages for names, in that order.
func (r *Registry) Resolve(names []string) ([]Stage, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("pipeline: no stages configured")
	}
	out, unknown, err := r.lookup(names)
	if err != nil {
		return nil, err
	}
	if unknown != "" {
		return nil, fmt.Errorf("pipeline: unknown stage %q (registered: %s)",
			unknown, strings.Join(r.Names(), ", "))
	}
	return out, nil
}

// lookup returns the stages for names, or the first name not registered.
func (r *Registry) lookup(names []string) ([]Stage, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(names))
	out := make([]Stage, 0, len(names))
	for _, n := range names {
		if seen[n] {
			return nil, "", fmt.Errorf("pipeline: stage %q listed twice", n)
		}
		seen[n] = true
		s, ok := r.stages[n]
		if !ok {
			return nil, n, nil
		}
		out = append(out, s)
	}
	return out, "", nil
}

// Names returns the registered stage names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.stages))
	for n := range r.stages {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
