package emit

// Emitter receives observability events from workflow execution.
//
// Implementations must be safe for concurrent use, must not block the
// engine's step loop, and must not panic; backend failures are handled
// internally, never surfaced to the run.
type Emitter interface {
	Emit(event Event)
}

// Multi fans events out to several emitters in order.
func Multi(emitters ...Emitter) Emitter {
	return multiEmitter(emitters)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
