package iommu

import (
	"errors"

	"github.com/e2b-dev/infra/packages/viommu/internal/iommu/wire"
)

// Sentinel errors returned by core operations. Request handling maps each
// of these onto a wire.Status before writing the status tail back to the
// guest (see statusFor).
var (
	ErrOverlap        = errors.New("iommu: mapping overlaps an existing range")
	ErrNoSuchDomain   = errors.New("iommu: no such domain")
	ErrNoSuchEndpoint = errors.New("iommu: no such endpoint")
	ErrUnbound        = errors.New("iommu: endpoint is not bound to a domain")
	ErrWouldSplit     = errors.New("iommu: unmap range would split an existing mapping")
	ErrProbeOverflow  = errors.New("iommu: probe properties do not fit in the configured buffer")
	ErrUnsupported    = errors.New("iommu: unsupported request type")
)

// statusFor maps a core error to the wire status byte written back to the
// guest. A nil error maps to StatusOK.
func statusFor(err error) wire.Status {
	switch {
	case err == nil:
		return wire.StatusOK
	case errors.Is(err, ErrOverlap):
		return wire.StatusInval
	case errors.Is(err, ErrProbeOverflow):
		return wire.StatusInval
	case errors.Is(err, ErrNoSuchDomain):
		return wire.StatusNoent
	case errors.Is(err, ErrNoSuchEndpoint):
		return wire.StatusNoent
	case errors.Is(err, ErrUnbound):
		return wire.StatusInval
	case errors.Is(err, ErrWouldSplit):
		return wire.StatusRange
	case errors.Is(err, ErrUnsupported):
		return wire.StatusUnsupp
	default:
		return wire.StatusDevErr
	}
}

// assertInvariant panics if cond is false. It marks internal invariant
// violations — a domain's endpoint set containing an endpoint whose
// binding doesn't point back, for instance — that indicate a programming
// error in the core itself rather than anything a guest can trigger.
func assertInvariant(cond bool, msg string) {
	if !cond {
		panic("iommu: invariant violated: " + msg)
	}
}
