package compat

import (
	"context"
	"log/slog"
)

// EventKind classifies a diagnostic raised while rewriting a request.
type EventKind string

const (
	// KindParseFailure: the body passed the gates but is not a JSON object.
	// The original request is forwarded unchanged.
	KindParseFailure EventKind = "parse_failure"
	// KindUnresolvedReference: a $ref names a key missing from $defs. The
	// node is left as emitted.
	KindUnresolvedReference EventKind = "unresolved_reference"
	// KindLossyUnionNarrowing: an anyOf collapse discarded alternatives.
	KindLossyUnionNarrowing EventKind = "lossy_union_narrowing"
	// KindCyclicSchema: $defs reference themselves. Flattening is skipped for
	// that schema only.
	KindCyclicSchema EventKind = "cyclic_schema"
	// KindSchemaTooLarge: flattening would exceed the depth or inline
	// budget. Flattening is skipped for that schema only.
	KindSchemaTooLarge EventKind = "schema_too_large"
)

// Stage names the transform that raised an event.
type Stage string

const (
	StageParse       Stage = "parse"
	StageFlattenDefs Stage = "flatten_defs"
	StageFixAnyOf    Stage = "fix_anyof"
)

// Event is a structured diagnostic. Events never abort the request.
type Event struct {
	Kind     EventKind
	Stage    Stage
	Endpoint string
	Tool     string
	Detail   string
}

// Reporter receives diagnostics. Implementations must be safe for concurrent
// use because the middleware runs on every in-flight request.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// MultiReporter fans events out to every reporter in order.
type MultiReporter []Reporter

func (m MultiReporter) Report(e Event) {
	for _, r := range m {
		if r != nil {
			r.Report(e)
		}
	}
}

// LogReporter writes events to a slog logger (slog.Default when nil).
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(e Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch e.Kind {
	case KindParseFailure, KindCyclicSchema:
		level = slog.LevelWarn
	}
	attrs := []any{"stage", string(e.Stage), "endpoint", e.Endpoint}
	if e.Tool != "" {
		attrs = append(attrs, "tool", e.Tool)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	logger.Log(context.Background(), level, "compat."+string(e.Kind), attrs...)
}

// Outcome summarises what the middleware did with one request.
type Outcome string

const (
	OutcomePassthrough Outcome = "passthrough" // gates rejected the request
	OutcomeUnchanged   Outcome = "unchanged"   // parsed, nothing to rewrite
	OutcomeTransformed Outcome = "transformed"
	OutcomeParseError  Outcome = "parse_error"
)
