// Package telemetry emits labeled analytics events for connectivity state
// transitions. Instrumentation only; nothing here participates in the
// correctness contract.
package telemetry

import (
	"time"

	"github.com/rs/zerolog"
)

// Event is one labeled analytics event.
type Event struct {
	Name    string
	Reason  string
	Elapsed time.Duration
	Fields  map[string]string
}

// Emitter receives analytics events.
type Emitter interface {
	Emit(event Event)
}

// LogEmitter writes events to the structured log.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates an emitter backed by the given logger.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With().Str("component", "telemetry").Logger()}
}

func (e *LogEmitter) Emit(event Event) {
	entry := e.logger.Info().
		Str("event", event.Name).
		Float64("elapsed_seconds", event.Elapsed.Seconds())
	if event.Reason != "" {
		entry = entry.Str("reason", event.Reason)
	}
	for k, v := range event.Fields {
		entry = entry.Str(k, v)
	}
	entry.Msg("Analytics event")
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(Event) {}
