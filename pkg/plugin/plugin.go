package plugin

import (
	"fmt"
	"regexp"
	"slices"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateName checks that name is usable as a plugin identifier: lower case
// letters, digits and underscores, starting with a letter.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid plugin name %q", name)
	}
	return nil
}

// Spec is the catalog definition of a plugin.
type Spec struct {
	Name        string         `yaml:"name" toml:"name" json:"name"`
	Type        Type           `yaml:"type" toml:"type" json:"type"`
	FullName    string         `yaml:"full_name" toml:"full_name" json:"full_name,omitempty"`
	URL         string         `yaml:"url" toml:"url" json:"url,omitempty"`
	Description string         `yaml:"description" toml:"description" json:"description,omitempty"`
	Enabled     *bool          `yaml:"enabled" toml:"enabled" json:"enabled,omitempty"`
	Resources   []ResourceSpec `yaml:"resources" toml:"resources" json:"resources,omitempty"`
	Steps       []StepSpec     `yaml:"steps" toml:"steps" json:"steps,omitempty"`
	Policy      *Policy        `yaml:"policy" toml:"policy" json:"policy,omitempty"`
}

// ResourceSpec describes a remote file or table the plugin downloads.
type ResourceSpec struct {
	Name   string     `yaml:"name" toml:"name" json:"name"`
	URL    string     `yaml:"url" toml:"url" json:"url"`
	Target string     `yaml:"target" toml:"target" json:"target,omitempty"`
	Probe  *ProbeSpec `yaml:"probe" toml:"probe" json:"probe,omitempty"`
}

// ProbeSpec tells how the newest remote version is determined.
type ProbeSpec struct {
	Kind  string `yaml:"kind" toml:"kind" json:"kind"`
	Value string `yaml:"value" toml:"value" json:"value,omitempty"`
	URL   string `yaml:"url" toml:"url" json:"url,omitempty"`
	XPath string `yaml:"xpath" toml:"xpath" json:"xpath,omitempty"`
	Regex string `yaml:"regex" toml:"regex" json:"regex,omitempty"`
}

// StepSpec is one task of the plugin pipeline. Args are operation specific.
type StepSpec struct {
	Name     string            `yaml:"name" toml:"name" json:"name"`
	Kind     StepKind          `yaml:"kind" toml:"kind" json:"kind"`
	Op       string            `yaml:"op" toml:"op" json:"op"`
	Resource string            `yaml:"resource" toml:"resource" json:"resource,omitempty"`
	Args     map[string]string `yaml:"args" toml:"args" json:"args,omitempty"`
}

// IsEnabled reports the catalog enabled flag; plugins are enabled unless set to false.
func (s Spec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Info returns the descriptive metadata of the spec.
func (s Spec) Info() Info {
	return Info{
		Name:         s.Name,
		FullName:     s.FullName,
		URL:          s.URL,
		Description:  s.Description,
		Type:         s.Type,
		Capabilities: s.Capabilities(),
	}
}

// Resource returns the resource with the given name.
func (s Spec) Resource(name string) (ResourceSpec, bool) {
	for _, r := range s.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return ResourceSpec{}, false
}

// Capabilities derives the capabilities the pipeline needs from its step kinds.
func (s Spec) Capabilities() []Capability {
	var caps []Capability
	add := func(c Capability) {
		if !slices.Contains(caps, c) {
			caps = append(caps, c)
		}
	}
	for _, step := range s.Steps {
		switch step.Kind {
		case StepExtract:
			add(CapabilityNetwork)
			add(CapabilityFilesystem)
		case StepTransform:
			add(CapabilityFilesystem)
		case StepLoad:
			add(CapabilityDatabase)
		}
	}
	return caps
}

// Validate checks the spec for structural errors. Step ordering is checked again
// when the pipeline is built.
func (s Spec) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	if !s.Type.Valid() {
		return fmt.Errorf("plugin %s: unknown type %q", s.Name, s.Type)
	}
	resources := make(map[string]struct{}, len(s.Resources))
	for _, r := range s.Resources {
		if r.Name == "" || r.URL == "" {
			return fmt.Errorf("plugin %s: resources need a name and url", s.Name)
		}
		if _, dup := resources[r.Name]; dup {
			return fmt.Errorf("plugin %s: duplicate resource %s", s.Name, r.Name)
		}
		resources[r.Name] = struct{}{}
	}
	steps := make(map[string]struct{}, len(s.Steps))
	last := 0
	for _, step := range s.Steps {
		rank := step.Kind.Rank()
		if rank == 0 {
			return fmt.Errorf("plugin %s: step %s has unknown kind %q", s.Name, step.Name, step.Kind)
		}
		if rank < last {
			return fmt.Errorf("plugin %s: step %s (%s) cannot follow a later stage", s.Name, step.Name, step.Kind)
		}
		last = rank
		if step.Name == "" || step.Op == "" {
			return fmt.Errorf("plugin %s: steps need a name and op", s.Name)
		}
		if _, dup := steps[step.Name]; dup {
			return fmt.Errorf("plugin %s: duplicate step %s", s.Name, step.Name)
		}
		steps[step.Name] = struct{}{}
		if step.Resource != "" {
			if _, ok := resources[step.Resource]; !ok {
				return fmt.Errorf("plugin %s: step %s references unknown resource %s", s.Name, step.Name, step.Resource)
			}
		}
	}
	return nil
}
