package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stratus-iac/stratus/pkg/engine"
)

// Manifest is a parsed deployment document.
type Manifest struct {
	// Deployment names the deployment this manifest declares.
	Deployment string `yaml:"deployment" validate:"required,hostname_rfc1123"`

	// Resources maps logical names to declarations. Names must be unique;
	// the map enforces that at parse time.
	Resources map[string]Resource `yaml:"resources" validate:"dive"`
}

// Resource is one declared resource.
type Resource struct {
	// Kind selects the driver (e.g. "ec2.vpc").
	Kind string `yaml:"kind" validate:"required"`

	// Attrs is the desired attribute set. String values may contain
	// ${name.attr} references.
	Attrs map[string]interface{} `yaml:"attrs"`
}

var validate = validator.New()

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, engine.NewConfigurationError("failed to parse manifest", err).
			WithCode(engine.ErrCodeValidation)
	}

	if err := validate.Struct(&m); err != nil {
		return nil, engine.NewConfigurationError("manifest validation failed", err).
			WithCode(engine.ErrCodeValidation)
	}
	for name, res := range m.Resources {
		if name == "" {
			return nil, engine.NewConfigurationError("resource with empty name", nil).
				WithCode(engine.ErrCodeValidation)
		}
		if res.Kind == "" {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("resource %q has no kind", name), nil).
				WithCode(engine.ErrCodeValidation).WithResource(name)
		}
	}
	return &m, nil
}

// Nodes converts the manifest into engine resource nodes, sorted by name
// for deterministic planning.
func (m *Manifest) Nodes() []engine.ResourceNode {
	nodes := make([]engine.ResourceNode, 0, len(m.Resources))
	for name, res := range m.Resources {
		attrs := res.Attrs
		if attrs == nil {
			attrs = map[string]interface{}{}
		}
		nodes = append(nodes, engine.ResourceNode{
			Name:  name,
			Kind:  res.Kind,
			Attrs: attrs,
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes
}
