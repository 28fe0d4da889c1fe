package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into an OpenTelemetry span.
//
// Spans are named after the event message and carry `stepwise.*`
// attributes for the run ID, step index, step ID, and every meta field.
// Spans end immediately; events mark points in time, and when a
// "duration_ms" meta field is present it rides along as an attribute
// rather than stretching the span.
//
// Setup:
//
//	tracer := otel.Tracer("stepwise")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and ends one span for the event. An "error" meta field
// sets the span status to error.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	o.setAttributes(span, event)

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

func (o *OTelEmitter) setAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("stepwise.run_id", event.RunID),
		attribute.Int("stepwise.step", event.Step),
		attribute.String("stepwise.step_id", event.StepID),
	)
	for k, v := range event.Meta {
		key := "stepwise." + k
		switch val := v.(type) {
		case string:
			span.SetAttributes(attribute.String(key, val))
		case bool:
			span.SetAttributes(attribute.Bool(key, val))
		case int:
			span.SetAttributes(attribute.Int(key, val))
		case int64:
			span.SetAttributes(attribute.Int64(key, val))
		case float64:
			span.SetAttributes(attribute.Float64(key, val))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", val)))
		}
	}
}
