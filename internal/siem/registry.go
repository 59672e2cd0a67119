package siem

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Endpoint is one SIEM delivery target.
type Endpoint struct {
	// URL receives the finalized analysis as a JSON POST body.
	URL string `yaml:"url"`

	// AuthHeader, when set, is sent verbatim as the Authorization header.
	AuthHeader string `yaml:"authHeader,omitempty"`
}

// Registry maps SIEM types to their delivery endpoints. A type without an
// entry is a configuration state, not an error: deliveries for it are
// recorded as not-configured and never attempted.
type Registry struct {
	endpoints map[string]Endpoint
}

// NewRegistry creates a registry from an explicit endpoint map.
func NewRegistry(endpoints map[string]Endpoint) *Registry {
	m := make(map[string]Endpoint, len(endpoints))
	for k, v := range endpoints {
		m[strings.ToLower(k)] = v
	}
	return &Registry{endpoints: m}
}

// LoadRegistry reads the endpoint registry from a YAML file. An empty path
// yields an empty registry.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(nil), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read siem endpoints: %w", err)
	}

	var doc struct {
		Endpoints map[string]Endpoint `yaml:"endpoints"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse siem endpoints: %w", err)
	}

	for name, ep := range doc.Endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			return nil, fmt.Errorf("siem endpoint %q has no url", name)
		}
	}
	return NewRegistry(doc.Endpoints), nil
}

// Lookup resolves the endpoint for a SIEM type, case-insensitively.
func (r *Registry) Lookup(siemType string) (Endpoint, bool) {
	ep, ok := r.endpoints[strings.ToLower(siemType)]
	return ep, ok
}

// Len returns the number of configured endpoints.
func (r *Registry) Len() int { return len(r.endpoints) }
