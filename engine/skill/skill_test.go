package skill

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stepwise-ai/stepwise/engine/guard"
)

var (
	_ Invocable = (*AddSkill)(nil)
	_ Invocable = (*MockSkill)(nil)
	_ Invocable = (*HTTPSkill)(nil)
)

var frozen = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(NewAddSkill()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(NewMockSkill("fetch")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	t.Run("duplicate name rejected", func(t *testing.T) {
		if err := r.Register(NewAddSkill()); err == nil {
			t.Fatal("expected error for duplicate registration")
		}
	})

	t.Run("empty name rejected", func(t *testing.T) {
		if err := r.Register(NewMockSkill("")); err == nil {
			t.Fatal("expected error for empty name")
		}
	})

	s, err := r.Get("add")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Name() != "add" {
		t.Errorf("expected add, got %s", s.Name())
	}

	if _, err := r.Get("missing"); err == nil {
		t.Error("expected error for unregistered skill")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "add" || names[1] != "fetch" {
		t.Errorf("unexpected names: %v", names)
	}
}

func TestAddSkill(t *testing.T) {
	ctx := context.Background()
	add := NewAddSkill()

	tests := []struct {
		name string
		a, b any
		want float64
	}{
		{"one plus two", 1, 2, 3},
		{"three plus five", 3, 5, 8},
		{"floats", 1.5, 2.25, 3.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := add.Invoke(ctx, Invocation{
				Inputs: map[string]any{"a": tt.a, "b": tt.b},
			})
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if res.Output["result"] != tt.want {
				t.Errorf("result = %v, want %v", res.Output["result"], tt.want)
			}
		})
	}

	t.Run("missing input", func(t *testing.T) {
		_, err := add.Invoke(ctx, Invocation{Inputs: map[string]any{"a": 1}})
		var serr *Error
		if !errors.As(err, &serr) {
			t.Fatalf("expected *skill.Error, got %v", err)
		}
		if serr.Code != "invalid_input" || serr.Retryable {
			t.Errorf("unexpected error shape: %+v", serr)
		}
	})
}

func TestMockSkillFailureInjection(t *testing.T) {
	ctx := context.Background()
	mock := NewMockSkill("flaky")
	mock.FailuresBeforeSuccess = 2
	mock.FixedResult = Result{Output: map[string]any{"ok": true}}

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := mock.Invoke(ctx, Invocation{})
		var serr *Error
		if !errors.As(err, &serr) || !serr.Retryable {
			t.Fatalf("attempt %d: expected retryable error, got %v", attempt, err)
		}
	}

	res, err := mock.Invoke(ctx, Invocation{})
	if err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if res.Output["ok"] != true {
		t.Errorf("unexpected result: %+v", res)
	}
	if mock.CallCount() != 3 {
		t.Errorf("expected 3 calls, got %d", mock.CallCount())
	}
}

func TestMockSkillRecordsEnvelope(t *testing.T) {
	ctx := context.Background()
	mock := NewMockSkill("probe")

	inv := Invocation{RunID: "run-001", StepID: "probe-1", Seed: 7, Now: frozen}
	if _, err := mock.Invoke(ctx, inv); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 recorded call, got %d", len(calls))
	}
	if calls[0].Seed != 7 || !calls[0].Now.Equal(frozen) {
		t.Errorf("envelope not recorded: %+v", calls[0])
	}
}

func TestHTTPSkillLoopbackUnderGuard(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	g := guard.New(frozen)
	ctx := guard.With(context.Background(), g)

	res, err := NewHTTPSkill().Invoke(ctx, Invocation{
		Inputs: map[string]any{"url": server.URL},
	})
	if err != nil {
		t.Fatalf("loopback request under guard failed: %v", err)
	}
	if res.Output["status_code"] != http.StatusOK {
		t.Errorf("status_code = %v", res.Output["status_code"])
	}
	if res.Output["body"] != `{"ok":true}` {
		t.Errorf("body = %v", res.Output["body"])
	}
}

func TestHTTPSkillBlockedUnderGuard(t *testing.T) {
	g := guard.New(frozen)
	ctx := guard.With(context.Background(), g)

	_, err := NewHTTPSkill().Invoke(ctx, Invocation{
		Inputs: map[string]any{"url": "https://api.example.com/v1/data"},
	})

	var blocked *guard.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected *guard.BlockedError, got %v", err)
	}
	if len(g.Violations()) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(g.Violations()))
	}
	t.Log("✓ guarded HTTP skill refuses to dial out")
}

func TestHTTPSkillInvalidInputs(t *testing.T) {
	ctx := context.Background()
	h := NewHTTPSkill()

	if _, err := h.Invoke(ctx, Invocation{Inputs: map[string]any{}}); err == nil {
		t.Error("expected error for missing url")
	}
	if _, err := h.Invoke(ctx, Invocation{
		Inputs: map[string]any{"url": "http://127.0.0.1/x", "method": "DELETE"},
	}); err == nil {
		t.Error("expected error for unsupported method")
	}
}
