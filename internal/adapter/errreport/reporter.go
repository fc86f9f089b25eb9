// Package errreport is the error-tracking sink for ingestion failures.
package errreport

import (
	"context"

	"github.com/chainguard-dev/clog"

	"github.com/xiaot623/gogo/ingestor/internal/metrics"
)

// Reporter receives unexpected ingestion errors with their context.
type Reporter interface {
	Report(ctx context.Context, err error, extras map[string]any)
}

// LogReporter reports through the context logger and counts reports.
type LogReporter struct{}

// NewLogReporter creates a LogReporter.
func NewLogReporter() *LogReporter {
	return &LogReporter{}
}

// Report implements Reporter.
func (LogReporter) Report(ctx context.Context, err error, extras map[string]any) {
	if err == nil {
		return
	}
	metrics.ReportedErrors.Inc()

	log := clog.FromContext(ctx)
	for k, v := range extras {
		log = log.With(k, v)
	}
	log.Error("ingestion error reported", "error", err)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, err error, extras map[string]any)

// Report implements Reporter.
func (f ReporterFunc) Report(ctx context.Context, err error, extras map[string]any) {
	f(ctx, err, extras)
}
