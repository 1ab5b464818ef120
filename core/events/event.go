package events

import "log/slog"

// Event represents a structured state change emitted by the lending core.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. gateway, indexers,
// outbound cross-chain publishers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// LogEmitter writes every event to a structured logger. It is the default
// subscriber wired by the daemon so state changes always land in the log
// stream even when no external publisher is attached.
type LogEmitter struct {
	Log *slog.Logger
}

// Emit implements the Emitter interface.
func (e LogEmitter) Emit(evt Event) {
	if evt == nil {
		return
	}
	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("event", "type", evt.EventType(), "payload", evt)
}
