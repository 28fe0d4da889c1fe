package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// LogEmitter writes structured event output to a writer.
//
// Two modes:
//   - text (default): one human-readable line per event,
//     `[step_complete] run=run-001 step=2 step_id=fetch duration_ms=12`
//   - JSON: one JSON object per line (JSONL), machine-readable
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to w (os.Stdout when nil).
// Set jsonMode for JSONL output instead of text.
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	return &LogEmitter{writer: w, jsonMode: jsonMode}
}

// Emit writes one line for the event. Write errors are swallowed; an
// observability failure must never fail the run.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID  string         `json:"run_id"`
		Step   int            `json:"step,omitempty"`
		StepID string         `json:"step_id,omitempty"`
		Msg    string         `json:"msg"`
		Meta   map[string]any `json:"meta,omitempty"`
	}{
		RunID:  event.RunID,
		Step:   event.Step,
		StepID: event.StepID,
		Msg:    event.Msg,
		Meta:   event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] run=%s", event.Msg, event.RunID)
	if event.Step > 0 {
		fmt.Fprintf(&sb, " step=%d", event.Step)
	}
	if event.StepID != "" {
		fmt.Fprintf(&sb, " step_id=%s", event.StepID)
	}

	// Sorted meta keys keep the output diffable.
	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, event.Meta[k])
	}

	fmt.Fprintln(l.writer, sb.String())
}
