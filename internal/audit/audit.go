// Package audit delivers security events to the audit-log collaborator.
// Delivery is fire-and-forget from the engine's perspective: a failed or
// slow sink never alters an authorization outcome.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Event describes a single auditable occurrence.
type Event struct {
	Actor  string
	Action string
	Scope  string
	Check  string
	Reason string
	Fields map[string]any
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// LogSink writes audit events as structured log lines.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink builds a sink over the shared logger.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("audit")}
}

func (s *LogSink) Record(_ context.Context, ev Event) {
	fields := []zap.Field{
		zap.String("ts", time.Now().UTC().Format(time.RFC3339Nano)),
		zap.String("actor", ev.Actor),
		zap.String("action", ev.Action),
		zap.String("scope", ev.Scope),
	}
	if ev.Check != "" {
		fields = append(fields, zap.String("check", ev.Check))
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	if len(ev.Fields) > 0 {
		fields = append(fields, zap.Any("fields", ev.Fields))
	}
	s.log.Info("audit", fields...)
}

// NopSink discards events. Used in tests.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}
