// Package metric records sandboxd's OTel instruments as package-level
// values created once by Init, recorded through small Record* functions
// that are no-ops until Init has run.
package metric

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	executionDuration   otelmetric.Float64Histogram
	executionsStarted   otelmetric.Float64Counter
	executionsTimedOut  otelmetric.Float64Counter
	backendErrors       otelmetric.Float64Counter
	fileStoreOperations otelmetric.Float64Counter
)

// Init creates the OTel instruments for sandboxd's execution and
// file-store metrics. Safe to call more than once; later calls replace the
// instruments.
func Init() {
	meter := otel.Meter("sandboxd")

	h, err := meter.Float64Histogram(
		"sandboxd.execution.duration",
		otelmetric.WithDescription("Wall-clock duration of a sandbox execution in seconds"),
		otelmetric.WithUnit("s"),
	)
	if err == nil {
		executionDuration = h
	}

	c, err := meter.Float64Counter(
		"sandboxd.executions.started",
		otelmetric.WithDescription("Number of sandbox executions started"),
	)
	if err == nil {
		executionsStarted = c
	}

	c, err = meter.Float64Counter(
		"sandboxd.executions.timed_out",
		otelmetric.WithDescription("Number of sandbox executions that hit their timeout"),
	)
	if err == nil {
		executionsTimedOut = c
	}

	c, err = meter.Float64Counter(
		"sandboxd.backend.errors",
		otelmetric.WithDescription("Number of backend launch/staging/exec failures"),
	)
	if err == nil {
		backendErrors = c
	}

	c, err = meter.Float64Counter(
		"sandboxd.filestore.operations",
		otelmetric.WithDescription("Number of file store operations"),
	)
	if err == nil {
		fileStoreOperations = c
	}
}

// RecordExecutionStarted records the start of an execution for the given
// backend ("container" or "cluster").
func RecordExecutionStarted(ctx context.Context, backend string) {
	if executionsStarted == nil {
		return
	}
	executionsStarted.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("backend", backend)))
}

// RecordExecutionDuration records a completed execution's wall-clock
// duration and whether it timed out.
func RecordExecutionDuration(ctx context.Context, backend string, d time.Duration, timedOut bool) {
	if executionDuration != nil {
		executionDuration.Record(ctx, d.Seconds(), otelmetric.WithAttributes(
			attribute.String("backend", backend),
			attribute.Bool("timed_out", timedOut),
		))
	}
	if timedOut && executionsTimedOut != nil {
		executionsTimedOut.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("backend", backend)))
	}
}

// RecordBackendError records a launch/staging/exec failure.
func RecordBackendError(ctx context.Context, backend, stage string) {
	if backendErrors == nil {
		return
	}
	backendErrors.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("stage", stage),
	))
}

// RecordFileStoreOp records a file store operation ("put", "get",
// "delete", "list", "sweep").
func RecordFileStoreOp(ctx context.Context, op string) {
	if fileStoreOperations == nil {
		return
	}
	fileStoreOperations.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("op", op)))
}
