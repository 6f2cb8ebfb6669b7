package plugin

// Type represents the functional category of a plugin.
type Type string

const (
	// TypeCoreType plugins provide the reference vocabularies (HGNC, ChEMBL, DOID).
	TypeCoreType Type = "core_type"
	// TypeDataSource plugins provide the knowledge bases that are harmonized against core types.
	TypeDataSource Type = "data_source"
)

// Valid reports whether t is a known plugin type.
func (t Type) Valid() bool {
	return t == TypeCoreType || t == TypeDataSource
}

// Capability expresses what a plugin pipeline needs access to.
type Capability string

const (
	CapabilityNetwork    Capability = "network"
	CapabilityFilesystem Capability = "filesystem"
	CapabilityDatabase   Capability = "database"
)

// StepKind is the ETL stage of a pipeline step.
type StepKind string

const (
	StepExtract   StepKind = "extract"
	StepTransform StepKind = "transform"
	StepLoad      StepKind = "load"
)

// Rank orders step kinds; unknown kinds rank zero.
func (k StepKind) Rank() int {
	switch k {
	case StepExtract:
		return 1
	case StepTransform:
		return 2
	case StepLoad:
		return 3
	}
	return 0
}

// Info contains descriptive metadata for a registered plugin.
type Info struct {
	Name         string
	FullName     string
	URL          string
	Description  string
	Type         Type
	Capabilities []Capability
}

// State represents whether a plugin takes part in updates and upgrades.
type State string

const (
	StateEnabled  State = "enabled"
	StateDisabled State = "disabled"
)
