package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Catalog is the static list of plugins known to the process.
type Catalog struct {
	Defaults Policy `yaml:"defaults" toml:"defaults"`
	Plugins  []Spec `yaml:"plugins" toml:"plugins"`
}

// LoadCatalog reads a YAML or TOML catalog, chosen by file extension.
func LoadCatalog(path string) (Catalog, error) {
	var cat Catalog
	if path == "" {
		return cat, errors.New("catalog path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cat, fmt.Errorf("read plugin catalog: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(raw, &cat)
	default:
		err = yaml.Unmarshal(raw, &cat)
	}
	if err != nil {
		return cat, fmt.Errorf("unmarshal plugin catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return cat, err
	}
	return cat, nil
}

// Validate ensures the catalog is internally consistent.
func (c Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c.Plugins))
	for _, spec := range c.Plugins {
		if err := spec.Validate(); err != nil {
			return err
		}
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("plugin %s defined twice", spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}
	return nil
}
