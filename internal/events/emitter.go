// Package events carries roster, document and lock changes from the realtime
// core to pub/sub sinks without ever blocking the caller.
package events

import (
	"sync"

	"github.com/benmeehan/presence-hub/internal/constants"
	"github.com/benmeehan/presence-hub/internal/models"
)

// Emitter accepts outbound events. Implementations must not block.
type Emitter interface {
	Emit(event models.Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(models.Event) {}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *Recorder) Emit(event models.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t in emission order.
func (r *Recorder) OfType(t constants.EventType) []models.Event {
	var out []models.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
