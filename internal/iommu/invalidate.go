package iommu

// fanOutInstall emits an install event, for the range [low, high], to every
// notifier watching any endpoint currently bound to dom (spec §4.G). Called
// with the core mutex held, synchronously, before the mutating handler
// returns.
func (d *Device) fanOutInstall(dom *Domain, low, high uint64, m Mapping) {
	for epID := range dom.endpoints {
		d.notifiers.forEndpoint(epID, func(n Notifier) {
			n.Install(low, high, m)
		})
	}
}

// fanOutInvalidate emits an invalidate event for [low, high] to every
// notifier watching any endpoint currently bound to dom.
func (d *Device) fanOutInvalidate(dom *Domain, low, high uint64) {
	for epID := range dom.endpoints {
		d.notifiers.forEndpoint(epID, func(n Notifier) {
			n.Invalidate(low, high)
		})
	}
}

// fanOutInstallAll emits an install event for every mapping already in dom,
// to notifiers watching endpointID alone. Used on ATTACH, so a newly bound
// endpoint's own notifier observes the domain's existing mappings.
func (d *Device) fanOutInstallAll(dom *Domain, endpointID uint32) {
	d.notifiers.forEndpoint(endpointID, func(n Notifier) {
		dom.mappings.ForEach(func(low, high uint64, m Mapping) bool {
			n.Install(low, high, m)
			return true
		})
	})
}

// fanOutInvalidateAll emits an invalidate event for every mapping in dom, to
// notifiers watching endpointID alone. Used on DETACH, so the departing
// endpoint's own notifier is told every mapping of the domain it is leaving
// is no longer visible to it.
func (d *Device) fanOutInvalidateAll(dom *Domain, endpointID uint32) {
	d.notifiers.forEndpoint(endpointID, func(n Notifier) {
		dom.mappings.ForEach(func(low, high uint64, m Mapping) bool {
			n.Invalidate(low, high)
			return true
		})
	})
}
