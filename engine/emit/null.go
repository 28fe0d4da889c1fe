package emit

// NullEmitter discards all events. Use when observability output is not
// wanted; the engine always has an emitter so the step loop stays
// branch-free.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
