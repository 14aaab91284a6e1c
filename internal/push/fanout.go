package push

import "github.com/pansacloud/gateway/internal/wa"

// Fanout emits every event to each non-nil emitter in order.
type Fanout []wa.Emitter

// Emit implements wa.Emitter.
func (f Fanout) Emit(event string, payload any) {
	for _, e := range f {
		if e != nil {
			e.Emit(event, payload)
		}
	}
}
