package iommu

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/viommu/internal/iommu/wire"
)

type fakeChain struct {
	out []byte
	in  []byte
}

func (c *fakeChain) ReadOut(buf []byte) int { return copy(buf, c.out) }
func (c *fakeChain) WriteIn(buf []byte) int { return copy(c.in, buf) }
func (c *fakeChain) OutLen() int            { return len(c.out) }
func (c *fakeChain) InLen() int             { return len(c.in) }

type fakeRequestQueue struct {
	pending  []*fakeChain
	detached []*fakeChain
	pushedN  map[*fakeChain]int
}

func (q *fakeRequestQueue) push(out []byte, inLen int) *fakeChain {
	c := &fakeChain{out: out, in: make([]byte, inLen)}
	q.pending = append(q.pending, c)
	return c
}

func (q *fakeRequestQueue) Pop() (Chain, bool) {
	if len(q.pending) == 0 {
		return nil, false
	}
	c := q.pending[0]
	q.pending = q.pending[1:]
	return c, true
}

func (q *fakeRequestQueue) Push(c Chain, n int) {
	if q.pushedN == nil {
		q.pushedN = map[*fakeChain]int{}
	}
	q.pushedN[c.(*fakeChain)] = n
}
func (q *fakeRequestQueue) Detach(c Chain) { q.detached = append(q.detached, c.(*fakeChain)) }
func (q *fakeRequestQueue) Notify()        {}

func attachChain(domain, endpoint uint32) []byte {
	b := make([]byte, wire.HeaderLen+wire.AttachLen)
	b[0] = wire.ReqAttach
	binary.LittleEndian.PutUint32(b[wire.HeaderLen:], domain)
	binary.LittleEndian.PutUint32(b[wire.HeaderLen+4:], endpoint)
	return b
}

func detachChain(domain, endpoint uint32) []byte {
	b := make([]byte, wire.HeaderLen+wire.DetachLen)
	b[0] = wire.ReqDetach
	binary.LittleEndian.PutUint32(b[wire.HeaderLen:], domain)
	binary.LittleEndian.PutUint32(b[wire.HeaderLen+4:], endpoint)
	return b
}

func mapChain(domain uint32, vs, ve, phys uint64, flags uint32) []byte {
	b := make([]byte, wire.HeaderLen+wire.MapLen)
	b[0] = wire.ReqMap
	p := b[wire.HeaderLen:]
	binary.LittleEndian.PutUint32(p[0:4], domain)
	binary.LittleEndian.PutUint64(p[4:12], vs)
	binary.LittleEndian.PutUint64(p[12:20], ve)
	binary.LittleEndian.PutUint64(p[20:28], phys)
	binary.LittleEndian.PutUint32(p[28:32], flags)
	return b
}

func unmapChain(domain uint32, vs, ve uint64) []byte {
	b := make([]byte, wire.HeaderLen+wire.UnmapLen)
	b[0] = wire.ReqUnmap
	p := b[wire.HeaderLen:]
	binary.LittleEndian.PutUint32(p[0:4], domain)
	binary.LittleEndian.PutUint64(p[4:12], vs)
	binary.LittleEndian.PutUint64(p[12:20], ve)
	return b
}

func probeChain(endpoint uint32, probeSize uint32) []byte {
	out := make([]byte, wire.HeaderLen+wire.ProbeLen)
	out[0] = wire.ReqProbe
	binary.LittleEndian.PutUint32(out[wire.HeaderLen:], endpoint)
	return out
}

func run(t *testing.T, dev *Device, out []byte, inLen int) (wire.Status, []byte) {
	t.Helper()
	q := &fakeRequestQueue{}
	c := q.push(out, inLen)
	dev.HandleRequest(context.Background(), q)
	require.Empty(t, q.detached, "descriptor unexpectedly detached as malformed")
	n := q.pushedN[c]
	require.Greater(t, n, 0)
	status := wire.Status(c.in[n-1])
	return status, c.in[:n-1]
}

// S1: reserved regions, attach, map, then translate across MSI bypass,
// RESERVED fault, and out-of-mapping fault.
func TestScenario_S1_ReservedRegionsAndTranslate(t *testing.T) {
	t.Parallel()

	dev := NewDevice(WithReserved(
		Reserved{Low: 0x0, High: 0xfff, Kind: ReservedBlocked},
		Reserved{Low: 0xfee00000, High: 0xfeefffff, Kind: ReservedMSI},
	))

	status, _ := run(t, dev, attachChain(7, 0x0100), 1)
	require.Equal(t, wire.StatusOK, status)

	status, _ = run(t, dev, mapChain(7, 0x1000, 0x1fff, 0xaaaa0000, wire.MapFlagRead|wire.MapFlagWrite), 1)
	require.Equal(t, wire.StatusOK, status)

	ctx := context.Background()

	res := dev.Translate(ctx, 0x0100, 0x1800, PermRead)
	require.Equal(t, uint64(0xaaaa0800), res.Address)

	res = dev.Translate(ctx, 0x0100, 0xfee01234, PermWrite)
	require.Equal(t, uint64(0xfee01234), res.Address)

	res = dev.Translate(ctx, 0x0100, 0x200, PermRead)
	require.Equal(t, Permission(0), res.Perm)

	res = dev.Translate(ctx, 0x0100, 0x3000, PermRead)
	require.Equal(t, Permission(0), res.Perm)
}

// S2: overlap rejection, split rejection, full unmap.
func TestScenario_S2_OverlapAndSplit(t *testing.T) {
	t.Parallel()

	dev := NewDevice()

	status, _ := run(t, dev, attachChain(1, 0x1), 1)
	require.Equal(t, wire.StatusOK, status)

	status, _ = run(t, dev, mapChain(1, 0, 0xffff, 0, wire.MapFlagRead), 1)
	require.Equal(t, wire.StatusOK, status)

	status, _ = run(t, dev, mapChain(1, 0x0800, 0x0fff, 0, wire.MapFlagRead), 1)
	require.Equal(t, wire.StatusInval, status)

	status, _ = run(t, dev, unmapChain(1, 0x0800, 0x0fff), 1)
	require.Equal(t, wire.StatusRange, status)

	status, _ = run(t, dev, unmapChain(1, 0, 0xffff), 1)
	require.Equal(t, wire.StatusOK, status)
}

type recordingNotifier struct {
	installed   [][2]uint64
	invalidated [][2]uint64
}

func (n *recordingNotifier) Install(low, high uint64, _ Mapping) {
	n.installed = append(n.installed, [2]uint64{low, high})
}

func (n *recordingNotifier) Invalidate(low, high uint64) {
	n.invalidated = append(n.invalidated, [2]uint64{low, high})
}

// S3: re-attach to a different domain detaches from the first, with
// invalidate-then-install fan-out to the moving endpoint's own notifier.
func TestScenario_S3_ReattachFansOutInvalidateThenInstall(t *testing.T) {
	t.Parallel()

	dev := NewDevice()
	const epA = 0xA
	const epB = 0xB

	status, _ := run(t, dev, attachChain(1, epA), 1)
	require.Equal(t, wire.StatusOK, status)
	status, _ = run(t, dev, mapChain(1, 0, 0xfff, 0, wire.MapFlagRead), 1)
	require.Equal(t, wire.StatusOK, status)

	n := &recordingNotifier{}
	dev.Subscribe(epA, n)

	// epB attaches first purely to bring domain 2 into existence, since
	// only ATTACH may create a domain; it is not otherwise involved.
	status, _ = run(t, dev, attachChain(2, epB), 1)
	require.Equal(t, wire.StatusOK, status)
	status, _ = run(t, dev, mapChain(2, 0x1000, 0x1fff, 0, wire.MapFlagRead), 1)
	require.Equal(t, wire.StatusOK, status)

	status, _ = run(t, dev, attachChain(2, epA), 1)
	require.Equal(t, wire.StatusOK, status)

	require.Equal(t, [][2]uint64{{0, 0xfff}}, n.invalidated)
	require.Equal(t, [][2]uint64{{0x1000, 0x1fff}}, n.installed)

	dev.mu.Lock()
	d1, ok := dev.domains.lookup(1)
	require.True(t, ok)
	require.False(t, d1.hasEndpoint(epA))
	ep, ok := dev.endpoints.lookup(epA)
	require.True(t, ok)
	require.Equal(t, uint32(2), ep.domainID)
	dev.mu.Unlock()
}

// S4: bypass semantics for an endpoint that does not exist.
func TestScenario_S4_BypassForUnknownEndpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	withBypass := NewDevice(WithFeatures(FeatureBypass))
	res := withBypass.Translate(ctx, 0x9999, 0x5000, PermRead)
	require.Equal(t, uint64(0x5000), res.Address)
	require.Equal(t, PermRead, res.Perm)

	withoutBypass := NewDevice()
	res = withoutBypass.Translate(ctx, 0x9999, 0x5000, PermRead)
	require.Equal(t, Permission(0), res.Perm)
}

// S5: unmap across a fully-covered prefix stops at the first mapping it
// would split, without rolling back the prefix.
func TestScenario_S5_PartialUnmapCommits(t *testing.T) {
	t.Parallel()

	dev := NewDevice()

	status, _ := run(t, dev, attachChain(1, 0x1), 1)
	require.Equal(t, wire.StatusOK, status)

	for _, m := range []struct{ lo, hi uint64 }{
		{0, 0xfff}, {0x1000, 0x1fff}, {0x3000, 0x4fff},
	} {
		status, _ := run(t, dev, mapChain(1, m.lo, m.hi, 0, wire.MapFlagRead), 1)
		require.Equal(t, wire.StatusOK, status)
	}

	status, _ = run(t, dev, unmapChain(1, 0, 0x3fff), 1)
	require.Equal(t, wire.StatusRange, status)

	dev.mu.Lock()
	dom, ok := dev.domains.lookup(1)
	require.True(t, ok)
	_, _, _, stillThere := dom.mappings.LookupContaining(0x3000)
	require.True(t, stillThere)
	require.Equal(t, 1, dom.mappings.Len())
	dev.mu.Unlock()
}

// S6: probe fits within probe_size for a modest region count and overflows
// once the property records no longer fit.
func TestScenario_S6_ProbeOverflow(t *testing.T) {
	t.Parallel()

	fits := make([]Reserved, 6)
	for i := range fits {
		lo := uint64(i) * 0x10000
		fits[i] = Reserved{Low: lo, High: lo + 0xffff, Kind: ReservedBlocked}
	}
	dev := NewDevice(WithReserved(fits...))

	status, payload := run(t, dev, probeChain(0x0100, 512), 513)
	require.Equal(t, wire.StatusOK, status)
	require.Len(t, payload, 512)

	tooMany := make([]Reserved, 22)
	for i := range tooMany {
		lo := uint64(i) * 0x10000
		tooMany[i] = Reserved{Low: lo, High: lo + 0xffff, Kind: ReservedBlocked}
	}
	overflowDev := NewDevice(WithReserved(tooMany...))

	status, _ = run(t, overflowDev, probeChain(0x0100, 512), 513)
	require.Equal(t, wire.StatusInval, status)
}

func TestDetach_ErasesTranslationVisibility(t *testing.T) {
	t.Parallel()

	dev := NewDevice()
	const ep = 0x42

	status, _ := run(t, dev, attachChain(1, ep), 1)
	require.Equal(t, wire.StatusOK, status)
	status, _ = run(t, dev, mapChain(1, 0, 0xfff, 0xbeef0000, wire.MapFlagRead), 1)
	require.Equal(t, wire.StatusOK, status)

	ctx := context.Background()
	res := dev.Translate(ctx, ep, 0x500, PermRead)
	require.Equal(t, uint64(0xbeef0500), res.Address)

	status, _ = run(t, dev, detachChain(1, ep), 1)
	require.Equal(t, wire.StatusOK, status)

	res = dev.Translate(ctx, ep, 0x500, PermRead)
	require.Equal(t, Permission(0), res.Perm)
}

func TestDetach_UnboundEndpointIsInval(t *testing.T) {
	t.Parallel()

	dev := NewDevice()
	_ = dev.endpoints.get(0x1) // registered but never attached

	status, _ := run(t, dev, detachChain(1, 0x1), 1)
	require.Equal(t, wire.StatusInval, status)
}

func TestDetach_UnknownEndpointIsNoent(t *testing.T) {
	t.Parallel()

	dev := NewDevice()
	status, _ := run(t, dev, detachChain(1, 0x1), 1)
	require.Equal(t, wire.StatusNoent, status)
}

func TestMap_UnknownDomainIsNoent(t *testing.T) {
	t.Parallel()

	dev := NewDevice()
	status, _ := run(t, dev, mapChain(99, 0, 0xfff, 0, wire.MapFlagRead), 1)
	require.Equal(t, wire.StatusNoent, status)
}

func TestHandleRequest_UnsupportedType(t *testing.T) {
	t.Parallel()

	dev := NewDevice()
	out := make([]byte, wire.HeaderLen)
	out[0] = 0xEE

	status, _ := run(t, dev, out, 1)
	require.Equal(t, wire.StatusUnsupp, status)
}

func TestHandleRequest_ShortHeaderDetaches(t *testing.T) {
	t.Parallel()

	dev := NewDevice()
	q := &fakeRequestQueue{}
	q.push([]byte{0x01, 0x02}, 1)
	dev.HandleRequest(context.Background(), q)

	require.Len(t, q.detached, 1)
}

func TestReplay_IsIdempotent(t *testing.T) {
	t.Parallel()

	dev := NewDevice()
	const ep = 0x7

	status, _ := run(t, dev, attachChain(1, ep), 1)
	require.Equal(t, wire.StatusOK, status)
	status, _ = run(t, dev, mapChain(1, 0, 0xfff, 0, wire.MapFlagRead), 1)
	require.Equal(t, wire.StatusOK, status)
	status, _ = run(t, dev, mapChain(1, 0x1000, 0x1fff, 0, wire.MapFlagRead), 1)
	require.Equal(t, wire.StatusOK, status)

	first := &recordingNotifier{}
	dev.Replay(ep, first)
	second := &recordingNotifier{}
	dev.Replay(ep, second)

	require.Equal(t, first.installed, second.installed)
	require.Len(t, first.installed, 2)
}
