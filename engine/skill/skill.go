// Package skill defines the contract between the workflow engine and the
// units of work it executes.
//
// A skill is an opaque, injected implementation: the engine hands it
// canonical inputs plus the determinism envelope (derived seed, frozen
// timestamp) and records whatever comes back. Skills never reach for
// ambient time or randomness; everything non-deterministic flows in
// through the Invocation.
package skill

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Invocation carries one step's inputs and determinism envelope.
type Invocation struct {
	// RunID and StepID identify the executing step for diagnostics.
	RunID  string
	StepID string

	// Seed is the per-step RNG seed derived from the run seed and step
	// ID. A skill needing randomness seeds its own PRNG from this and
	// nothing else.
	Seed int64

	// Now is the run's frozen timestamp. Skills treat it as the current
	// time for the whole run.
	Now time.Time

	// Inputs are the resolved step inputs: literals from the plan plus
	// upstream outputs referenced by the step.
	Inputs map[string]any
}

// Result is what a successful invocation produces.
type Result struct {
	// Output becomes the step's recorded output; it must canonicalize
	// (plain values, no handles).
	Output map[string]any

	// CostCents is the attributable cost of this invocation in integer
	// cents. Zero for free skills.
	CostCents int64
}

// Invocable is the skill contract.
type Invocable interface {
	// Name returns the unique skill identifier referenced by plan steps.
	Name() string

	// Invoke executes the skill. Implementations must respect context
	// cancellation and return *Error for domain failures so the engine
	// can classify them for retry.
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// Error is a structured skill failure.
type Error struct {
	// Code is a stable machine-readable category, e.g. "invalid_input",
	// "rate_limited", "upstream_unavailable".
	Code string

	// Message is the human-readable detail.
	Message string

	// Retryable marks failures that may succeed on another attempt.
	// Non-retryable failures stop the step immediately regardless of
	// retry budget.
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("skill error [%s]: %s", e.Code, e.Message)
}

// Errorf builds a non-retryable *Error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RetryableErrorf builds a retryable *Error.
func RetryableErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Registry maps skill names to implementations. Plans are validated
// against it before execution, so a missing skill fails at submit time
// rather than mid-run.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Invocable
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Invocable)}
}

// Register adds a skill. Registering a duplicate or empty name fails.
func (r *Registry) Register(s Invocable) error {
	name := s.Name()
	if name == "" {
		return fmt.Errorf("skill name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[name]; exists {
		return fmt.Errorf("skill %q already registered", name)
	}
	r.skills[name] = s
	return nil
}

// Get returns the skill registered under name.
func (r *Registry) Get(name string) (Invocable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	if !ok {
		return nil, fmt.Errorf("skill %q not registered", name)
	}
	return s, nil
}

// Names returns the registered skill names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.skills))
	for name := range r.skills {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
