package iommu

import (
	"context"

	"github.com/e2b-dev/infra/packages/viommu/internal/iommu/wire"
)

// emitFault formats and posts a fault record to the event queue (spec
// §4.H). It is called with the core mutex already held, from inside
// Translate, and never blocks: if the event queue has no buffer posted,
// the fault is logged and dropped rather than retried.
func (d *Device) emitFault(ctx context.Context, f Fault) {
	if d.events == nil {
		d.metrics.recordFaultDropped(ctx, f.Reason)
		d.tel.logFaultDropped(f)
		return
	}

	chain, ok := d.events.TryPop()
	if !ok {
		d.metrics.recordFaultDropped(ctx, f.Reason)
		d.tel.logFaultDropped(f)
		return
	}

	if chain.InLen() < wire.EventLen {
		d.events.Detach(chain)
		d.tel.logBrokenDescriptor("event")
		return
	}

	flags := f.Flags
	if f.AddressOK {
		flags |= wire.FaultFlagAddressValid
	}
	rec := wire.EncodeEvent(wire.Event{
		Reason:   uint8(f.Reason),
		Flags:    flags,
		Endpoint: f.EndpointID,
		Address:  f.Address,
	})

	n := chain.WriteIn(rec)
	d.events.Push(chain, n)
	d.events.Notify()
	d.metrics.recordFaultEmitted(ctx, f.Reason)
}
