// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"log/slog"
)

// Sink receives diagnostic event envelopes. Implementations must be safe
// for concurrent use and must not block the emitting component for long.
type Sink interface {
	Emit(ctx context.Context, env *Envelope)
}

// Emitter couples a component name to a sink. A nil Emitter discards
// all events.
type Emitter struct {
	source string
	sink   Sink
}

// NewEmitter creates an emitter for the named source component.
func NewEmitter(source string, sink Sink) *Emitter {
	return &Emitter{source: source, sink: sink}
}

// Emit wraps the event and hands it to the sink, if any.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil || e.sink == nil {
		return
	}
	e.sink.Emit(ctx, ev.Wrap(e.source))
}

// SlogSink logs every event through a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink backed by the given logger. A nil logger
// falls back to slog.Default.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Emit logs the envelope at info level.
func (s *SlogSink) Emit(ctx context.Context, env *Envelope) {
	s.logger.LogAttrs(ctx, slog.LevelInfo, env.EventType,
		slog.String("event_id", env.EventID),
		slog.String("source", env.Source),
		slog.Any("data", env.Data),
	)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Emit delivers the envelope to every sink in order.
func (m MultiSink) Emit(ctx context.Context, env *Envelope) {
	for _, s := range m {
		s.Emit(ctx, env)
	}
}
