package iommu

import "github.com/caarlos0/env/v11"

// HostConfig carries host-side overrides for the device's config space,
// parsed from the environment the same way the teacher's orchestrator
// config is loaded. These are applied once, at construction, onto the
// wire-visible DeviceConfig; nothing in the wire protocol ever mutates
// them afterward (spec §6).
type HostConfig struct {
	PageSizeMask   uint64 `env:"VIOMMU_PAGE_SIZE_MASK" envDefault:"4095"`
	InputRangeEnd  uint64 `env:"VIOMMU_INPUT_RANGE_END" envDefault:"18446744073709551615"`
	DomainRangeEnd uint32 `env:"VIOMMU_DOMAIN_RANGE_END" envDefault:"32"`
	ProbeSize      uint32 `env:"VIOMMU_PROBE_SIZE" envDefault:"512"`
}

// ParseHostConfig reads HostConfig overrides from the process environment.
func ParseHostConfig() (HostConfig, error) {
	return env.ParseAs[HostConfig]()
}

// DeviceConfig builds the wire-visible config space from h, matching
// spec.md §6's stated defaults when the environment supplies none.
func (h HostConfig) DeviceConfig() DeviceConfig {
	cfg := DeviceConfig{
		PageSizeMask: h.PageSizeMask,
		ProbeSize:    h.ProbeSize,
	}
	cfg.InputRange.Start = 0
	cfg.InputRange.End = h.InputRangeEnd
	cfg.DomainRange.Start = 0
	cfg.DomainRange.End = h.DomainRangeEnd
	return cfg
}

// DefaultHostConfig returns spec.md §6's stated defaults without touching
// the environment, used when the caller constructs a Device directly.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		PageSizeMask:   0xfff,
		InputRangeEnd:  ^uint64(0),
		DomainRangeEnd: 32,
		ProbeSize:      512,
	}
}
