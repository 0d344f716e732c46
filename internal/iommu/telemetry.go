package iommu

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// telemetry bundles the tracer and logger a Device reports through, mirroring
// the teacher's pairing of a package-scoped tracer.Start span with a
// zap.L()-style structured log line around every request/translation path.
type telemetry struct {
	tracer trace.Tracer
	logger *zap.Logger
}

func newTelemetry(tracer trace.Tracer, logger *zap.Logger) telemetry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("iommu")
	}
	return telemetry{tracer: tracer, logger: logger}
}

func (t telemetry) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}

func (t telemetry) logFaultDropped(f Fault) {
	t.logger.Warn("iommu: event queue empty, dropping fault",
		zap.Uint8("reason", uint8(f.Reason)),
		zap.Uint32("endpoint", f.EndpointID),
		zap.Uint64("address", f.Address),
	)
}

func (t telemetry) logBrokenDescriptor(queue string) {
	t.logger.Error("iommu: malformed descriptor chain, detaching",
		zap.String("queue", queue),
	)
}

func (t telemetry) logRequest(reqType uint8, status string) {
	t.logger.Debug("iommu: request processed",
		zap.Uint8("type", reqType),
		zap.String("status", status),
	)
}
