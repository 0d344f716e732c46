package iommu

import "github.com/google/btree"

// Endpoint is a DMA-capable device identified by its stream ID, with an
// optional binding to exactly one Domain (spec §3). The binding is a
// non-owning back reference to the domain's ID, resolved through the
// domain registry at use sites rather than held as a pointer cycle
// (spec §9).
type Endpoint struct {
	ID       uint32
	bound    bool
	domainID uint32
}

func newEndpoint(id uint32) *Endpoint {
	return &Endpoint{ID: id}
}

func (e *Endpoint) bind(domainID uint32) {
	e.bound = true
	e.domainID = domainID
}

func (e *Endpoint) unbind() {
	e.bound = false
	e.domainID = 0
}

// endpointRegistry is the stream ID -> *Endpoint ordered map (spec §4.C).
type endpointRegistry struct {
	t *btree.BTreeG[endpointEntry]
}

type endpointEntry struct {
	id uint32
	e  *Endpoint
}

func endpointLess(a, b endpointEntry) bool { return a.id < b.id }

func newEndpointRegistry() *endpointRegistry {
	return &endpointRegistry{t: btree.NewG(32, endpointLess)}
}

// get returns the endpoint with id, creating and registering it if absent.
// This is the only registry operation attach is allowed to use (spec §4.B/C).
func (r *endpointRegistry) get(id uint32) *Endpoint {
	if e, ok := r.t.Get(endpointEntry{id: id}); ok {
		return e.e
	}
	ep := newEndpoint(id)
	r.t.ReplaceOrInsert(endpointEntry{id: id, e: ep})
	return ep
}

// lookup returns the endpoint with id, or ok=false if it does not exist.
func (r *endpointRegistry) lookup(id uint32) (*Endpoint, bool) {
	e, ok := r.t.Get(endpointEntry{id: id})
	if !ok {
		return nil, false
	}
	return e.e, true
}

func (r *endpointRegistry) forEach(visit func(*Endpoint) bool) {
	r.t.Ascend(func(e endpointEntry) bool {
		return visit(e.e)
	})
}
