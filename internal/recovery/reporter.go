package recovery

import (
	"context"
	"log"
)

// Severity levels accepted by the error reporter.
const (
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// ErrorReporter is a fire-and-forget alerting sink. Production wires this to
// an incident tool; the default logs.
type ErrorReporter interface {
	Report(ctx context.Context, err error, context map[string]any, severity string)
}

// LogReporter writes reports to the process log.
type LogReporter struct{}

func (LogReporter) Report(_ context.Context, err error, fields map[string]any, severity string) {
	log.Printf("[%s] %v fields=%v", severity, err, fields)
}
