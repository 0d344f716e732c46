package iommu

import "github.com/google/btree"

// Domain is a translation context: an interval tree of mappings shared by
// every endpoint currently bound to it (spec §3).
type Domain struct {
	ID       uint32
	mappings *IntervalTree[Mapping]
	// endpoints holds the stream IDs currently bound to this domain, not
	// owning references to the Endpoint objects themselves (spec §9:
	// avoid reference-counted cycles between Domain and Endpoint).
	endpoints map[uint32]struct{}
}

func newDomain(id uint32) *Domain {
	return &Domain{
		ID:        id,
		mappings:  NewIntervalTree[Mapping](),
		endpoints: map[uint32]struct{}{},
	}
}

func (d *Domain) hasEndpoint(id uint32) bool {
	_, ok := d.endpoints[id]
	return ok
}

func (d *Domain) addEndpoint(id uint32) {
	d.endpoints[id] = struct{}{}
}

func (d *Domain) removeEndpoint(id uint32) {
	delete(d.endpoints, id)
}

func (d *Domain) empty() bool {
	return len(d.endpoints) == 0 && d.mappings.Len() == 0
}

// domainRegistry is the domain ID -> *Domain ordered map (spec §4.B),
// backed by the same btree.BTreeG primitive as the interval trees so the
// repository needs only one ordered-map implementation.
type domainRegistry struct {
	t *btree.BTreeG[domainEntry]
}

type domainEntry struct {
	id uint32
	d  *Domain
}

func domainLess(a, b domainEntry) bool { return a.id < b.id }

func newDomainRegistry() *domainRegistry {
	return &domainRegistry{t: btree.NewG(32, domainLess)}
}

// get returns the domain with id, creating and registering it if absent.
// created reports whether this call is what created it.
func (r *domainRegistry) get(id uint32) (dom *Domain, created bool) {
	if e, ok := r.t.Get(domainEntry{id: id}); ok {
		return e.d, false
	}
	d := newDomain(id)
	r.t.ReplaceOrInsert(domainEntry{id: id, d: d})
	return d, true
}

// lookup returns the domain with id, or ok=false if it does not exist.
func (r *domainRegistry) lookup(id uint32) (*Domain, bool) {
	e, ok := r.t.Get(domainEntry{id: id})
	if !ok {
		return nil, false
	}
	return e.d, true
}

// reclaim removes d from the registry if it is empty (spec §3: a domain is
// destroyed once it has no endpoints and no mappings), reporting whether it
// did so.
func (r *domainRegistry) reclaim(d *Domain) (removed bool) {
	if d.empty() {
		r.t.Delete(domainEntry{id: d.ID})
		return true
	}
	return false
}

func (r *domainRegistry) forEach(visit func(*Domain) bool) {
	r.t.Ascend(func(e domainEntry) bool {
		return visit(e.d)
	})
}
