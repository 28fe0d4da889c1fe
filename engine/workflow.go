package engine

import (
	"fmt"
	"strings"

	"github.com/stepwise-ai/stepwise/engine/canonical"
	"github.com/stepwise-ai/stepwise/engine/skill"
)

// SchemaVersion is the trace schema version stamped on every trace.
const SchemaVersion = "1.1"

// DefaultSeed is used when a run is started with seed zero.
const DefaultSeed = 42

// WorkflowSpec is a fixed, pre-validated plan: an ordered list of steps.
// There is no branching and no dynamic scheduling; determinism comes from
// the plan being identical on every execution. Specs are immutable once a
// run starts.
type WorkflowSpec struct {
	ID    string
	Name  string
	Steps []StepDescriptor
}

// StepDescriptor describes one step of the plan.
type StepDescriptor struct {
	// ID is unique within the plan.
	ID string

	// SkillID names the registered skill to invoke.
	SkillID string

	// Inputs are literal values or references to upstream outputs of the
	// form "step:<id>.output.<path>".
	Inputs map[string]any

	// IdempotencyKey marks the step's external effect. When empty the
	// engine derives a key from the run and step IDs.
	IdempotencyKey string

	// Retry overrides the engine's default retry policy for this step.
	Retry *RetryPolicy
}

// Validate checks the plan is executable: unique non-empty step IDs,
// every skill registered, every input reference pointing at an earlier
// step. Reference targets are checked structurally; the referenced output
// path is only resolvable at run time.
func (w *WorkflowSpec) Validate(registry *skill.Registry) error {
	if w.ID == "" {
		return &ValidationError{Message: "workflow ID must not be empty"}
	}
	if len(w.Steps) == 0 {
		return &ValidationError{Message: "workflow must have at least one step"}
	}

	seen := make(map[string]bool, len(w.Steps))
	for _, step := range w.Steps {
		if step.ID == "" {
			return &ValidationError{Message: "step ID must not be empty"}
		}
		if seen[step.ID] {
			return &ValidationError{StepID: step.ID, Message: "duplicate step ID"}
		}
		if step.SkillID == "" {
			return &ValidationError{StepID: step.ID, Message: "skill ID must not be empty"}
		}
		if registry != nil {
			if _, err := registry.Get(step.SkillID); err != nil {
				return &ValidationError{StepID: step.ID, Message: err.Error()}
			}
		}
		if step.Retry != nil {
			if err := step.Retry.Validate(); err != nil {
				return &ValidationError{StepID: step.ID, Message: err.Error()}
			}
		}
		for name, value := range step.Inputs {
			ref, ok := parseReference(value)
			if !ok {
				continue
			}
			if !seen[ref.stepID] {
				return &ValidationError{StepID: step.ID,
					Message: fmt.Sprintf("input %q references step %q which does not precede it", name, ref.stepID)}
			}
		}
		seen[step.ID] = true
	}
	return nil
}

// PlanHash returns the canonical hash of the plan. Two plans hash equal
// exactly when they would execute identically.
func (w *WorkflowSpec) PlanHash() (string, error) {
	steps := make([]any, len(w.Steps))
	for i, step := range w.Steps {
		entry := map[string]any{
			"id":       step.ID,
			"skill_id": step.SkillID,
			"inputs":   step.Inputs,
		}
		if step.IdempotencyKey != "" {
			entry["idempotency_key"] = step.IdempotencyKey
		}
		if step.Retry != nil {
			entry["retry"] = map[string]any{
				"max_attempts":  step.Retry.MaxAttempts,
				"base_delay_ms": step.Retry.BaseDelay.Milliseconds(),
				"max_delay_ms":  step.Retry.MaxDelay.Milliseconds(),
			}
		}
		steps[i] = entry
	}
	return canonical.Hash(map[string]any{
		"id":    w.ID,
		"name":  w.Name,
		"steps": steps,
	})
}

// reference is a parsed "step:<id>.output.<path>" input value.
type reference struct {
	stepID string
	path   []string
}

const refPrefix = "step:"

// parseReference recognizes reference strings. Non-string values and
// strings without the prefix are literals.
func parseReference(value any) (reference, bool) {
	s, ok := value.(string)
	if !ok || !strings.HasPrefix(s, refPrefix) {
		return reference{}, false
	}

	rest := strings.TrimPrefix(s, refPrefix)
	parts := strings.Split(rest, ".")
	if len(parts) < 2 || parts[1] != "output" {
		return reference{}, false
	}
	return reference{stepID: parts[0], path: parts[2:]}, true
}

// resolveInputs materializes a step's inputs, replacing references with
// the upstream outputs they point at.
func resolveInputs(step StepDescriptor, outputs map[string]map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(step.Inputs))
	for name, value := range step.Inputs {
		ref, ok := parseReference(value)
		if !ok {
			resolved[name] = value
			continue
		}

		upstream, ok := outputs[ref.stepID]
		if !ok {
			return nil, fmt.Errorf("step %s: input %q references step %q which has no recorded output", step.ID, name, ref.stepID)
		}
		v, err := lookupPath(upstream, ref.path)
		if err != nil {
			return nil, fmt.Errorf("step %s: input %q: %w", step.ID, name, err)
		}
		resolved[name] = v
	}
	return resolved, nil
}

func lookupPath(m map[string]any, path []string) (any, error) {
	if len(path) == 0 {
		return m, nil
	}
	var current any = m
	for i, key := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q is not an object", strings.Join(path[:i], "."))
		}
		current, ok = obj[key]
		if !ok {
			return nil, fmt.Errorf("path %q not found", strings.Join(path[:i+1], "."))
		}
	}
	return current, nil
}
