// Package audit records administrative operations on the master.
package audit

import (
	"github.com/rs/zerolog"
)

// Results recorded by the audit log.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Logger provides structured audit logging for administrative operations.
// All audit events are logged with structured fields for easy filtering and analysis.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
// Pass zerolog.Nop() to discard audit entries.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Result maps an operation error to a result value.
func Result(err error) string {
	if err != nil {
		return ResultFailed
	}
	return ResultOK
}

// LogAdminOp logs an administrative operation.
// source: where the request came from (e.g., "control", "signal", "startup")
// operation: what was done (e.g., "job.add", "scheduler.stop", "slave.offline")
// target: the job ID, slave name or path acted on (may be empty)
// result: "ok" or "failed"
// details: additional context (e.g., error message)
func (l *Logger) LogAdminOp(source, operation, target, result, details string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result == ResultFailed {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "admin_operation").
		Str("source", source).
		Str("operation", operation).
		Str("result", result)

	if target != "" {
		event = event.Str("target", target)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Admin operation")
}

// LogRosterChange logs the effect of a roster reload.
// source: where the reload came from
// added, removed, updated: slave names per kind of change
func (l *Logger) LogRosterChange(source string, added, removed, updated []string) {
	if l == nil {
		return
	}
	l.logger.Info().
		Str("event_type", "roster_change").
		Str("source", source).
		Strs("added", added).
		Strs("removed", removed).
		Strs("updated", updated).
		Msg("Roster change")
}
