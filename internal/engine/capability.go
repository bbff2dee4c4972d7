package engine

import "strings"

// Capability is a bitset of the high-level operations an opened archive supports.
type Capability uint8

const (
	CapabilityExtract Capability = 1 << iota
	CapabilityDelete
	CapabilityAdd
	CapabilityView
)

const (
	CapabilitiesReadOnly = CapabilityExtract | CapabilityView
	CapabilitiesAll      = CapabilityExtract | CapabilityDelete | CapabilityAdd | CapabilityView
)

func (c Capability) Has(other Capability) bool {
	return c&other == other
}

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}

	var names []string
	for _, flag := range []struct {
		cap  Capability
		name string
	}{
		{CapabilityExtract, "extract"},
		{CapabilityDelete, "delete"},
		{CapabilityAdd, "add"},
		{CapabilityView, "view"},
	} {
		if c.Has(flag.cap) {
			names = append(names, flag.name)
		}
	}
	return strings.Join(names, "|")
}
