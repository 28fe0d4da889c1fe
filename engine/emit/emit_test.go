package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var (
	_ Emitter = (*LogEmitter)(nil)
	_ Emitter = (*NullEmitter)(nil)
	_ Emitter = (*BufferedEmitter)(nil)
	_ Emitter = (*OTelEmitter)(nil)
)

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		RunID:  "run-001",
		Step:   2,
		StepID: "fetch",
		Msg:    StepComplete,
		Meta:   map[string]any{"duration_ms": 12, "cost_cents": 3},
	})

	got := buf.String()
	want := "[step_complete] run=run-001 step=2 step_id=fetch cost_cents=3 duration_ms=12\n"
	if got != want {
		t.Errorf("text output:\n  got  %q\n  want %q", got, want)
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{RunID: "run-001", Msg: RunStart})
	emitter.Emit(Event{RunID: "run-001", Step: 1, StepID: "a", Msg: StepStart})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if first["msg"] != "run_start" || first["run_id"] != "run-001" {
		t.Errorf("unexpected first line: %v", first)
	}
	if _, present := first["step"]; present {
		t.Error("run-level event should omit step")
	}
}

func TestBufferedEmitterHistory(t *testing.T) {
	emitter := NewBufferedEmitter()

	emitter.Emit(Event{RunID: "run-001", Msg: RunStart})
	emitter.Emit(Event{RunID: "run-001", Step: 1, StepID: "a", Msg: StepStart})
	emitter.Emit(Event{RunID: "run-001", Step: 1, StepID: "a", Msg: StepComplete})
	emitter.Emit(Event{RunID: "run-001", Step: 2, StepID: "b", Msg: StepSkipped})
	emitter.Emit(Event{RunID: "run-002", Msg: RunStart})

	if got := len(emitter.History("run-001")); got != 4 {
		t.Errorf("expected 4 events for run-001, got %d", got)
	}

	t.Run("filter by step id", func(t *testing.T) {
		events := emitter.HistoryWithFilter("run-001", HistoryFilter{StepID: "a"})
		if len(events) != 2 {
			t.Fatalf("expected 2 events for step a, got %d", len(events))
		}
	})

	t.Run("filter by msg and step range", func(t *testing.T) {
		min := 2
		events := emitter.HistoryWithFilter("run-001", HistoryFilter{Msg: StepSkipped, MinStep: &min})
		if len(events) != 1 || events[0].StepID != "b" {
			t.Fatalf("unexpected filtered events: %+v", events)
		}
	})

	emitter.Clear("run-001")
	if got := len(emitter.History("run-001")); got != 0 {
		t.Errorf("expected cleared history, got %d events", got)
	}
	if got := len(emitter.History("run-002")); got != 1 {
		t.Errorf("Clear should not touch other runs, got %d events", got)
	}
}

func TestMultiFansOut(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()

	Multi(a, b).Emit(Event{RunID: "run-001", Msg: RunStart})

	if len(a.History("run-001")) != 1 || len(b.History("run-001")) != 1 {
		t.Error("expected event in both emitters")
	}
}

func TestOTelEmitterSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := otel.Tracer("stepwise-test")
	emitter := NewOTelEmitter(tracer)

	emitter.Emit(Event{
		RunID:  "run-001",
		Step:   3,
		StepID: "summarize",
		Msg:    StepComplete,
		Meta: map[string]any{
			"duration_ms":     int64(42),
			"replay_behavior": "execute",
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Name != "step_complete" {
		t.Errorf("span name = %q, want step_complete", span.Name)
	}

	attrs := attributeMap(span.Attributes)
	if attrs["stepwise.run_id"] != "run-001" {
		t.Errorf("run_id attribute = %v", attrs["stepwise.run_id"])
	}
	if attrs["stepwise.step"] != int64(3) {
		t.Errorf("step attribute = %v", attrs["stepwise.step"])
	}
	if attrs["stepwise.step_id"] != "summarize" {
		t.Errorf("step_id attribute = %v", attrs["stepwise.step_id"])
	}
	if attrs["stepwise.duration_ms"] != int64(42) {
		t.Errorf("duration_ms attribute = %v", attrs["stepwise.duration_ms"])
	}
	if attrs["stepwise.replay_behavior"] != "execute" {
		t.Errorf("replay_behavior attribute = %v", attrs["stepwise.replay_behavior"])
	}
}

func TestOTelEmitterErrorStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOTelEmitter(tp.Tracer("stepwise-test"))
	emitter.Emit(Event{
		RunID: "run-001",
		Msg:   RunFailed,
		Meta:  map[string]any{"error": "skill exploded"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "skill exploded" {
		t.Errorf("unexpected status description: %q", spans[0].Status.Description)
	}
}

// attributeMap flattens span attributes for assertions.
func attributeMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}
