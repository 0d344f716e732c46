package iommu

import "context"

// Translate performs a synchronous per-DMA-access translation: stream ID ->
// endpoint -> domain -> interval lookup -> permission check (spec §4.F).
// It is called from the DMA-issuing thread(s), concurrently with request
// processing; the core mutex makes the two mutually exclusive.
func (d *Device) Translate(ctx context.Context, streamID uint32, addr uint64, access Permission) TranslateResult {
	ctx, span := d.tel.startSpan(ctx, "iommu.Translate")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	mask := ^d.config.PageSizeMask

	ep, epOK := d.endpoints.lookup(streamID)
	if !epOK {
		if d.features.Negotiated(FeatureBypass) {
			return TranslateResult{Address: addr, Perm: access, Mask: mask}
		}
		d.emitFault(ctx, Fault{Reason: FaultReasonUnknown, Flags: faultFlagsFor(access), EndpointID: streamID})
		return TranslateResult{Mask: mask}
	}

	if r, ok := d.reservedAt(addr); ok {
		switch r.Kind {
		case ReservedMSI:
			return TranslateResult{Address: addr, Perm: access, Mask: mask}
		default:
			d.emitFault(ctx, Fault{
				Reason: FaultReasonMapping, Flags: faultFlagsFor(access),
				EndpointID: streamID, Address: addr, AddressOK: true,
			})
			return TranslateResult{Mask: mask}
		}
	}

	if !ep.bound {
		if d.features.Negotiated(FeatureBypass) {
			return TranslateResult{Address: addr, Perm: access, Mask: mask}
		}
		d.emitFault(ctx, Fault{
			Reason: FaultReasonDomain, Flags: faultFlagsFor(access),
			EndpointID: streamID, Address: addr, AddressOK: true,
		})
		return TranslateResult{Mask: mask}
	}

	dom, ok := d.domains.lookup(ep.domainID)
	assertInvariant(ok, "bound endpoint references a domain absent from the registry")

	_, _, m, found := dom.mappings.LookupContaining(addr)
	if !found {
		d.emitFault(ctx, Fault{
			Reason: FaultReasonMapping, Flags: faultFlagsFor(access),
			EndpointID: streamID, Address: addr, AddressOK: true,
		})
		return TranslateResult{Mask: mask}
	}

	if !m.Perm.Has(access) {
		d.emitFault(ctx, Fault{
			Reason: FaultReasonMapping, Flags: faultFlagsFor(access & ^m.Perm),
			EndpointID: streamID, Address: addr, AddressOK: true,
		})
		return TranslateResult{Mask: mask}
	}

	return TranslateResult{Address: m.Translate(addr), Perm: access, Mask: mask}
}

// faultFlagsFor converts a requested access permission into the event-queue
// direction flags (spec §6: READ=1, WRITE=2, EXEC=4).
func faultFlagsFor(access Permission) uint32 {
	var flags uint32
	if access.Has(PermRead) {
		flags |= 1
	}
	if access.Has(PermWrite) {
		flags |= 2
	}
	if access.Has(PermExec) {
		flags |= 4
	}
	return flags
}
