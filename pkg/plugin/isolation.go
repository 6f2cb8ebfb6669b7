package plugin

import (
	"fmt"
	"slices"
)

// Policy restricts the capabilities a plugin pipeline may use.
type Policy struct {
	Allowed []Capability `yaml:"allowed" toml:"allowed" json:"allowed,omitempty"`
	Denied  []Capability `yaml:"denied" toml:"denied" json:"denied,omitempty"`
}

// Merge returns a new policy using values from other when not present.
func (p Policy) Merge(other Policy) Policy {
	if len(p.Allowed) == 0 {
		p.Allowed = other.Allowed
	}
	if len(p.Denied) == 0 {
		p.Denied = other.Denied
	}
	return p
}

// MergePolicies combines the catalog defaults with a plugin specific policy.
func MergePolicies(defaults Policy, plugin *Policy) Policy {
	if plugin == nil {
		return defaults
	}
	return plugin.Merge(defaults)
}

// Check ensures the capabilities in info are permitted by the policy.
func (p Policy) Check(info Info) error {
	for _, c := range p.Denied {
		if slices.Contains(info.Capabilities, c) {
			return fmt.Errorf("plugin %s: capability %s is explicitly denied", info.Name, c)
		}
	}
	if len(p.Allowed) == 0 {
		return nil
	}
	for _, c := range info.Capabilities {
		if !slices.Contains(p.Allowed, c) {
			return fmt.Errorf("plugin %s: capability %s not permitted", info.Name, c)
		}
	}
	return nil
}
