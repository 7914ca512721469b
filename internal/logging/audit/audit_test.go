package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	auditLogger := NewLogger(logger)

	if auditLogger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestResult(t *testing.T) {
	if got := Result(nil); got != ResultOK {
		t.Errorf("Result(nil) = %q, want %q", got, ResultOK)
	}
	if got := Result(errors.New("boom")); got != ResultFailed {
		t.Errorf("Result(err) = %q, want %q", got, ResultFailed)
	}
}

func TestLogAdminOp(t *testing.T) {
	tests := []struct {
		name       string
		source     string
		operation  string
		target     string
		result     string
		details    string
		wantLevel  string
		wantTarget bool
	}{
		{
			name:       "job added",
			source:     "control",
			operation:  "job.add",
			target:     "/data/file.bin",
			result:     ResultOK,
			wantLevel:  "info",
			wantTarget: true,
		},
		{
			name:       "offline failed",
			source:     "control",
			operation:  "slave.offline",
			target:     "s9",
			result:     ResultFailed,
			details:    "slave not found",
			wantLevel:  "warn",
			wantTarget: true,
		},
		{
			name:      "scheduler start",
			source:    "startup",
			operation: "scheduler.start",
			result:    ResultOK,
			wantLevel: "info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			auditLogger := NewLogger(zerolog.New(&buf))

			auditLogger.LogAdminOp(tt.source, tt.operation, tt.target, tt.result, tt.details)

			var logEntry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
				t.Fatalf("failed to unmarshal log entry: %v", err)
			}

			if got := logEntry["level"]; got != tt.wantLevel {
				t.Errorf("level = %v, want %v", got, tt.wantLevel)
			}
			if got := logEntry["event_type"]; got != "admin_operation" {
				t.Errorf("event_type = %v, want admin_operation", got)
			}
			if got := logEntry["operation"]; got != tt.operation {
				t.Errorf("operation = %v, want %v", got, tt.operation)
			}
			if got := logEntry["source"]; got != tt.source {
				t.Errorf("source = %v, want %v", got, tt.source)
			}
			if _, ok := logEntry["target"]; ok != tt.wantTarget {
				t.Errorf("target present = %v, want %v", ok, tt.wantTarget)
			}
			if tt.details == "" {
				if _, ok := logEntry["details"]; ok {
					t.Error("details should be omitted when empty")
				}
			} else if got := logEntry["details"]; got != tt.details {
				t.Errorf("details = %v, want %v", got, tt.details)
			}
		})
	}
}

func TestLogRosterChange(t *testing.T) {
	var buf bytes.Buffer
	auditLogger := NewLogger(zerolog.New(&buf))

	auditLogger.LogRosterChange("signal", []string{"s4"}, []string{"s1"}, nil)

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	if got := logEntry["event_type"]; got != "roster_change" {
		t.Errorf("event_type = %v, want roster_change", got)
	}
	added, ok := logEntry["added"].([]interface{})
	if !ok || len(added) != 1 || added[0] != "s4" {
		t.Errorf("added = %v, want [s4]", logEntry["added"])
	}
	removed, ok := logEntry["removed"].([]interface{})
	if !ok || len(removed) != 1 || removed[0] != "s1" {
		t.Errorf("removed = %v, want [s1]", logEntry["removed"])
	}
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	l.LogAdminOp("control", "job.remove", "x", ResultOK, "")
	l.LogRosterChange("control", nil, nil, nil)
}
