package iommu

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// deviceMetrics are the otel counters/gauges a Device reports, grounded on
// the teacher's practice of pairing every storage/cache operation with an
// Int64Counter recording its outcome by attribute.
type deviceMetrics struct {
	requests       metric.Int64Counter
	faultsEmitted  metric.Int64Counter
	faultsDropped  metric.Int64Counter
	domainsActive  metric.Int64UpDownCounter
	endpointsBound metric.Int64UpDownCounter
	mappingsActive metric.Int64UpDownCounter
}

func newDeviceMetrics(meter metric.Meter) deviceMetrics {
	if meter == nil {
		meter = noop.Meter{}
	}
	requests, _ := meter.Int64Counter("iommu.requests",
		metric.WithDescription("command-queue requests processed, by type and status"))
	faultsEmitted, _ := meter.Int64Counter("iommu.faults.emitted",
		metric.WithDescription("fault events posted to the event queue, by reason"))
	faultsDropped, _ := meter.Int64Counter("iommu.faults.dropped",
		metric.WithDescription("fault events dropped because the event queue had no buffer"))
	domainsActive, _ := meter.Int64UpDownCounter("iommu.domains.active",
		metric.WithDescription("domains currently registered"))
	endpointsBound, _ := meter.Int64UpDownCounter("iommu.endpoints.bound",
		metric.WithDescription("endpoints currently bound to a domain"))
	mappingsActive, _ := meter.Int64UpDownCounter("iommu.mappings.active",
		metric.WithDescription("mappings currently installed across all domains"))

	return deviceMetrics{
		requests:       requests,
		faultsEmitted:  faultsEmitted,
		faultsDropped:  faultsDropped,
		domainsActive:  domainsActive,
		endpointsBound: endpointsBound,
		mappingsActive: mappingsActive,
	}
}

func (m deviceMetrics) recordRequest(ctx context.Context, reqType uint8, status string) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("type", int(reqType)),
		attribute.String("status", status),
	))
}

func (m deviceMetrics) recordFaultEmitted(ctx context.Context, reason FaultReason) {
	m.faultsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.Int("reason", int(reason))))
}

func (m deviceMetrics) recordFaultDropped(ctx context.Context, reason FaultReason) {
	m.faultsDropped.Add(ctx, 1, metric.WithAttributes(attribute.Int("reason", int(reason))))
}

func (m deviceMetrics) recordDomainDelta(ctx context.Context, delta int64) {
	m.domainsActive.Add(ctx, delta)
}

func (m deviceMetrics) recordEndpointBindingDelta(ctx context.Context, delta int64) {
	m.endpointsBound.Add(ctx, delta)
}

func (m deviceMetrics) recordMappingDelta(ctx context.Context, delta int64) {
	m.mappingsActive.Add(ctx, delta)
}
