package iommu

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// snapshotVersion guards the wire shape of Snapshot/Restore. Bump it if the
// persisted envelope below ever changes shape.
const snapshotVersion = 1

// mappingRecord is the persisted shape of one Mapping, keyed by its
// interval (spec §6 "Persisted state").
type mappingRecord struct {
	Low, High uint64
	Phys      uint64
	Perm      uint8
}

// domainRecord is the persisted shape of one Domain: its mappings and the
// stream IDs of its bound endpoints. Endpoint->domain back references are
// not stored directly; they are reconstructed on restore by scanning each
// domain's endpoint list, the way the original device's
// reconstruct_ep_domain_link does.
type domainRecord struct {
	ID        uint32
	Mappings  []mappingRecord
	Endpoints []uint32
}

// endpointRecord is the persisted shape of one Endpoint.
type endpointRecord struct {
	ID uint32
}

type snapshotEnvelope struct {
	Version   int
	Domains   []domainRecord
	Endpoints []endpointRecord
}

var msgpackHandle = &codec.MsgpackHandle{}

// Snapshot serializes every domain and endpoint, with their cross-links,
// into a versioned msgpack envelope (spec §4.I). Snapshot holds the core
// mutex for the whole capture, so the result reflects one consistent state
// of the registries and interval trees.
func (d *Device) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	env := snapshotEnvelope{Version: snapshotVersion}

	d.domains.forEach(func(dom *Domain) bool {
		rec := domainRecord{ID: dom.ID}
		dom.mappings.ForEach(func(low, high uint64, m Mapping) bool {
			rec.Mappings = append(rec.Mappings, mappingRecord{
				Low: low, High: high, Phys: m.Phys, Perm: uint8(m.Perm),
			})
			return true
		})
		for epID := range dom.endpoints {
			rec.Endpoints = append(rec.Endpoints, epID)
		}
		env.Domains = append(env.Domains, rec)
		return true
	})

	// Unbound endpoints carry no domain link to scan back from, so every
	// registered endpoint ID is captured here regardless of binding state:
	// an endpoint that merely exists unbound must still exist unbound
	// after restore (spec §8 property 6), rather than behaving as if it
	// had never been attached at all.
	d.endpoints.forEach(func(ep *Endpoint) bool {
		env.Endpoints = append(env.Endpoints, endpointRecord{ID: ep.ID})
		return true
	})

	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("iommu: encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore replaces the device's domain and endpoint registries with the
// state encoded in data, reconstructing endpoint<->domain back references
// by scanning each domain's endpoint list and matching IDs (spec §6).
// Notifier subscriptions are not part of the persisted state: downstream
// consumers are expected to re-subscribe and Replay after a restore.
func (d *Device) Restore(data []byte) error {
	var env snapshotEnvelope
	dec := codec.NewDecoder(bytes.NewReader(data), msgpackHandle)
	if err := dec.Decode(&env); err != nil {
		return fmt.Errorf("iommu: decode snapshot: %w", err)
	}
	if env.Version != snapshotVersion {
		return fmt.Errorf("iommu: unsupported snapshot version %d", env.Version)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.domains = newDomainRegistry()
	d.endpoints = newEndpointRegistry()

	for _, rec := range env.Endpoints {
		d.endpoints.get(rec.ID)
	}

	for _, rec := range env.Domains {
		dom, _ := d.domains.get(rec.ID)
		for _, m := range rec.Mappings {
			if err := dom.mappings.Insert(m.Low, m.High, Mapping{
				Low: m.Low, High: m.High, Phys: m.Phys, Perm: Permission(m.Perm),
			}); err != nil {
				return fmt.Errorf("iommu: restore domain %d: %w", rec.ID, err)
			}
		}
		for _, epID := range rec.Endpoints {
			ep := d.endpoints.get(epID)
			ep.bind(rec.ID)
			dom.addEndpoint(epID)
		}
	}

	return nil
}
