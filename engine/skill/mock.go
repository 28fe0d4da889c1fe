package skill

import (
	"context"
	"sync"
)

// MockSkill is a configurable skill for tests.
//
// Configure a response function, a fixed result, or an error sequence.
// It records every invocation so tests can assert on call counts and the
// determinism envelope the engine provided.
type MockSkill struct {
	name string

	mu    sync.Mutex
	calls []Invocation

	// Fn, when set, computes the result per invocation.
	Fn func(ctx context.Context, inv Invocation) (Result, error)

	// FixedResult is returned when Fn is nil.
	FixedResult Result

	// FailuresBeforeSuccess makes the first N invocations fail with a
	// retryable error. Used to exercise the engine's retry path.
	FailuresBeforeSuccess int
}

// NewMockSkill creates a mock registered under name.
func NewMockSkill(name string) *MockSkill {
	return &MockSkill{name: name}
}

// Name returns the configured name.
func (m *MockSkill) Name() string { return m.name }

// Invoke records the invocation and returns the configured response.
func (m *MockSkill) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, inv)
	attempt := len(m.calls)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if attempt <= m.FailuresBeforeSuccess {
		return Result{}, RetryableErrorf("transient", "induced failure %d of %d", attempt, m.FailuresBeforeSuccess)
	}
	if m.Fn != nil {
		return m.Fn(ctx, inv)
	}
	return m.FixedResult, nil
}

// Calls returns a copy of the recorded invocations.
func (m *MockSkill) Calls() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Invocation, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Invoke ran.
func (m *MockSkill) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
