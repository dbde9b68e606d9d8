package events

import "marketchain/core/types"

// Event represents a structured state change emitted by the market.
type Event interface {
	EventType() string
}

// Payload is implemented by events that can render their wire form.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. the event log).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Buffer collects events emitted during a single operation so they can be
// published only if the operation commits.
type Buffer struct {
	events []*types.Event
}

// Emit records the wire form of evt. Events without a payload are ignored.
func (b *Buffer) Emit(evt Event) {
	p, ok := evt.(Payload)
	if !ok {
		return
	}
	rendered := p.Event()
	if rendered == nil {
		return
	}
	b.events = append(b.events, rendered)
}

// Events returns the buffered events in emission order.
func (b *Buffer) Events() []*types.Event {
	out := make([]*types.Event, len(b.events))
	for i, evt := range b.events {
		out[i] = evt.Clone()
	}
	return out
}

// Reset drops everything buffered so far.
func (b *Buffer) Reset() { b.events = b.events[:0] }
