package modpack

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ManifestName is the file every bundle carries at its root.
const ManifestName = "mod.yaml"

// Requirement declares a dependency on another installed mod, optionally
// with a minimum version (dotted numeric, e.g. "1.4").
type Requirement struct {
	Name string `yaml:"name"`
	Min  string `yaml:"min,omitempty"`
}

// Manifest is a bundle's mod.yaml. All paths are relative to the bundle
// root; absolute paths and ".." segments are rejected at load time.
type Manifest struct {
	Name     string        `yaml:"name"`
	Version  string        `yaml:"version"`
	Requires []Requirement `yaml:"requires,omitempty"`
	Scripts  []string      `yaml:"scripts,omitempty"`
	Styles   []string      `yaml:"styles,omitempty"`
	Passages []string      `yaml:"passages,omitempty"`
	Patchers []string      `yaml:"patchers,omitempty"`
	Media    []string      `yaml:"media,omitempty"`
	Sanitize bool          `yaml:"sanitize,omitempty"`
}

// ParseManifest parses and validates mod.yaml content.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrManifestInvalid)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: version is required", ErrManifestInvalid)
	}
	for _, r := range m.Requires {
		if r.Name == "" {
			return fmt.Errorf("%w: requirement without a name", ErrManifestInvalid)
		}
	}
	return nil
}
