package builder

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ComponentSpec names one buildable component of a release: where its
// sources live and which ref to build from.
type ComponentSpec struct {
	Name    string `yaml:"name"`
	RepoURL string `yaml:"repo_url"`
	Ref     string `yaml:"ref"`
}

// VersionDescriptor is the input to a build run: the release version and
// the components that constitute it.
type VersionDescriptor struct {
	Version    string          `yaml:"version"`
	Components []ComponentSpec `yaml:"components"`
}

// LoadDescriptor reads and validates a version descriptor file.
func LoadDescriptor(path string) (*VersionDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError("descriptor", fmt.Errorf("%w: %v", ErrInvalidDescriptor, err))
	}
	return ParseDescriptor(data)
}

// ParseDescriptor decodes and validates version descriptor YAML.
func ParseDescriptor(data []byte) (*VersionDescriptor, error) {
	var desc VersionDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, newError("descriptor", fmt.Errorf("%w: %v", ErrInvalidDescriptor, err))
	}
	if err := desc.Validate(); err != nil {
		return nil, newError("descriptor", err)
	}
	return &desc, nil
}

// Validate checks the descriptor is complete enough to build from.
func (d *VersionDescriptor) Validate() error {
	if d.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidDescriptor)
	}
	if len(d.Components) == 0 {
		return fmt.Errorf("%w: at least one component is required", ErrInvalidDescriptor)
	}
	seen := make(map[string]bool, len(d.Components))
	for _, c := range d.Components {
		switch {
		case c.Name == "":
			return fmt.Errorf("%w: component name is required", ErrInvalidDescriptor)
		case c.RepoURL == "":
			return fmt.Errorf("%w: component %s: repo_url is required", ErrInvalidDescriptor, c.Name)
		case c.Ref == "":
			return fmt.Errorf("%w: component %s: ref is required", ErrInvalidDescriptor, c.Name)
		case seen[c.Name]:
			return fmt.Errorf("%w: duplicate component %s", ErrInvalidDescriptor, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}
