package iommu

import (
	"context"

	"github.com/e2b-dev/infra/packages/viommu/internal/iommu/wire"
)

// attachLocked implements ATTACH (spec §4.E): get-or-create the endpoint,
// detach it first if it is bound elsewhere, get-or-create the domain, link
// the two, then replay the domain's existing mappings to the endpoint's own
// notifiers.
func (d *Device) attachLocked(ctx context.Context, domainID, endpointID uint32) error {
	ep := d.endpoints.get(endpointID)
	if ep.bound && ep.domainID != domainID {
		d.detachEndpointLocked(ctx, ep)
	}

	dom, created := d.domains.get(domainID)
	if created {
		d.metrics.recordDomainDelta(ctx, 1)
	}
	if !ep.bound {
		ep.bind(domainID)
		dom.addEndpoint(endpointID)
		d.metrics.recordEndpointBindingDelta(ctx, 1)
	}

	d.fanOutInstallAll(dom, endpointID)
	return nil
}

// detachLocked implements DETACH (spec §4.E). The domain ID carried in the
// request is not cross-checked against the endpoint's current binding
// (spec §9 open question, resolved to match the original device).
func (d *Device) detachLocked(ctx context.Context, domainID, endpointID uint32) error {
	ep, ok := d.endpoints.lookup(endpointID)
	if !ok {
		return ErrNoSuchEndpoint
	}
	if !ep.bound {
		return ErrUnbound
	}
	_ = domainID
	d.detachEndpointLocked(ctx, ep)
	return nil
}

// detachEndpointLocked performs the full detach sequence shared by an
// explicit DETACH request and an implicit detach ahead of re-attach: fan
// out invalidates for every mapping of the domain being left, remove the
// endpoint from the domain's set, clear its binding, and reclaim the domain
// if it is now empty.
func (d *Device) detachEndpointLocked(ctx context.Context, ep *Endpoint) {
	dom, ok := d.domains.lookup(ep.domainID)
	assertInvariant(ok, "bound endpoint references a domain absent from the registry")
	assertInvariant(dom.hasEndpoint(ep.ID), "domain's endpoint set is missing a bound endpoint")

	d.fanOutInvalidateAll(dom, ep.ID)
	dom.removeEndpoint(ep.ID)
	ep.unbind()
	d.metrics.recordEndpointBindingDelta(ctx, -1)
	if d.domains.reclaim(dom) {
		d.metrics.recordDomainDelta(ctx, -1)
	}
}

// mapLocked implements MAP (spec §4.E). Overlap, including an exact-range
// duplicate, is rejected by the interval tree's insert itself.
func (d *Device) mapLocked(ctx context.Context, domainID uint32, lo, hi, phys uint64, perm Permission) error {
	dom, ok := d.domains.lookup(domainID)
	if !ok {
		return ErrNoSuchDomain
	}

	m := Mapping{Low: lo, High: hi, Phys: phys, Perm: perm}
	if err := dom.mappings.Insert(lo, hi, m); err != nil {
		return err
	}
	d.metrics.recordMappingDelta(ctx, 1)

	d.fanOutInstall(dom, lo, hi, m)
	return nil
}

// unmapLocked implements UNMAP (spec §4.E): removes every mapping fully
// covered by [lo, hi], fanning out an invalidate for each, and stops at the
// first mapping the request range would split, returning RANGE. Mappings
// already removed before the split is found are not rolled back.
func (d *Device) unmapLocked(ctx context.Context, domainID uint32, lo, hi uint64) error {
	dom, ok := d.domains.lookup(domainID)
	if !ok {
		return ErrNoSuchDomain
	}

	type hit struct {
		low, high uint64
	}
	var hits []hit
	dom.mappings.ForEach(func(mlow, mhigh uint64, _ Mapping) bool {
		if mhigh < lo || mlow > hi {
			return true
		}
		hits = append(hits, hit{mlow, mhigh})
		return true
	})

	for _, h := range hits {
		if h.low < lo || h.high > hi {
			return ErrWouldSplit
		}
		dom.mappings.Remove(h.low, h.high)
		d.metrics.recordMappingDelta(ctx, -1)
		d.fanOutInvalidate(dom, h.low, h.high)
	}

	if d.domains.reclaim(dom) {
		d.metrics.recordDomainDelta(ctx, -1)
	}
	return nil
}

// probeLocked implements PROBE (spec §4.E): fills a probe_size buffer with
// one RESV_MEM property per configured reserved region, followed by a
// terminator property.
func (d *Device) probeLocked() ([]byte, error) {
	var body []byte
	for _, r := range d.reserved {
		body = append(body, wire.EncodeResvMemProp(wire.ResvMemProp{
			Subtype: resvSubtypeFor(r.Kind),
			Start:   r.Low,
			End:     r.High,
		})...)
	}
	body = append(body, wire.EncodeTerminatorProp()...)

	if uint32(len(body)) > d.config.ProbeSize {
		return nil, ErrProbeOverflow
	}

	buf := make([]byte, d.config.ProbeSize)
	copy(buf, body)
	return buf, nil
}

func resvSubtypeFor(k ReservedKind) uint8 {
	if k == ReservedMSI {
		return wire.ResvSubtypeMSI
	}
	return wire.ResvSubtypeReserved
}

// HandleRequest pops and processes every currently-available descriptor
// chain from queue (spec §4.E). For each chain: verify the buffers are
// large enough, decode the header under no lock, dispatch under the core
// mutex, then write the status tail (and, for PROBE, the property payload)
// and push the chain back after the mutex is released.
func (d *Device) HandleRequest(ctx context.Context, queue RequestQueue) {
	for {
		chain, ok := queue.Pop()
		if !ok {
			return
		}
		d.processOne(ctx, queue, chain)
	}
}

func (d *Device) processOne(ctx context.Context, queue RequestQueue, chain Chain) {
	ctx, span := d.tel.startSpan(ctx, "iommu.HandleRequest")
	defer span.End()

	if chain.OutLen() < wire.HeaderLen || chain.InLen() < 1 {
		queue.Detach(chain)
		d.tel.logBrokenDescriptor("request")
		return
	}

	out := make([]byte, chain.OutLen())
	chain.ReadOut(out)

	hdr, ok := wire.DecodeHeader(out)
	if !ok {
		queue.Detach(chain)
		d.tel.logBrokenDescriptor("request")
		return
	}

	var (
		status  wire.Status
		payload []byte
	)

	d.mu.Lock()
	switch hdr.Type {
	case wire.ReqAttach:
		req, decOK := wire.DecodeAttach(out[wire.HeaderLen:])
		if !decOK {
			status = wire.StatusDevErr
			break
		}
		status = statusFor(d.attachLocked(ctx, req.Domain, req.Endpoint))
	case wire.ReqDetach:
		req, decOK := wire.DecodeDetach(out[wire.HeaderLen:])
		if !decOK {
			status = wire.StatusDevErr
			break
		}
		status = statusFor(d.detachLocked(ctx, req.Domain, req.Endpoint))
	case wire.ReqMap:
		req, decOK := wire.DecodeMap(out[wire.HeaderLen:])
		if !decOK {
			status = wire.StatusDevErr
			break
		}
		status = statusFor(d.mapLocked(ctx, req.Domain, req.VirtStart, req.VirtEnd, req.PhysStart, permFromMapFlags(req.Flags)))
	case wire.ReqUnmap:
		req, decOK := wire.DecodeUnmap(out[wire.HeaderLen:])
		if !decOK {
			status = wire.StatusDevErr
			break
		}
		status = statusFor(d.unmapLocked(ctx, req.Domain, req.VirtStart, req.VirtEnd))
	case wire.ReqProbe:
		_, decOK := wire.DecodeProbe(out[wire.HeaderLen:])
		if !decOK {
			status = wire.StatusDevErr
			break
		}
		props, err := d.probeLocked()
		status = statusFor(err)
		payload = props
	default:
		status = statusFor(ErrUnsupported)
	}
	d.mu.Unlock()

	d.metrics.recordRequest(ctx, hdr.Type, status.String())
	d.tel.logRequest(hdr.Type, status.String())

	resp := append(payload, byte(status))
	n := chain.WriteIn(resp)
	queue.Push(chain, n)
	queue.Notify()
}

func permFromMapFlags(flags uint32) Permission {
	var p Permission
	if flags&wire.MapFlagRead != 0 {
		p |= PermRead
	}
	if flags&wire.MapFlagWrite != 0 {
		p |= PermWrite
	}
	if flags&wire.MapFlagExec != 0 {
		p |= PermExec
	}
	return p
}
