// Package registry loads the static service catalog: the mapping from a
// service_name to the worker binary that implements it, its default OAuth
// scopes, and the OAuth provider capability it uses. This is the single
// source of truth spec §9 calls for in place of per-service numbers
// scattered across ops scripts.
package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Service describes one bridgeable third-party service.
type Service struct {
	Name           string            `yaml:"name"`
	BinaryPath     string            `yaml:"binary_path"`
	Kind           string            `yaml:"kind"` // "api_key" or "oauth"
	OAuthProvider  string            `yaml:"oauth_provider,omitempty"`
	DefaultScopes  []string          `yaml:"default_scopes,omitempty"`
	DefaultPort    int               `yaml:"default_port"`
	Metadata       map[string]string `yaml:"metadata,omitempty"`
	Enabled        bool              `yaml:"enabled"`
}

// manifest is the on-disk shape of the catalog file.
type manifest struct {
	Services []Service `yaml:"services"`
}

// Registry is an indexed, read-only view of the service catalog built once
// at startup.
type Registry struct {
	byName map[string]Service
}

// Load reads and indexes a service catalog from a YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading %s: %w", path, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("registry: parsing %s: %w", path, err)
	}

	return FromServices(m.Services)
}

// FromServices builds a Registry directly from a slice, primarily for tests
// and for embedding a default catalog without a file on disk.
func FromServices(services []Service) (*Registry, error) {
	byName := make(map[string]Service, len(services))
	for _, svc := range services {
		if svc.Name == "" {
			return nil, fmt.Errorf("registry: service entry missing name")
		}
		if _, dup := byName[svc.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate service %q", svc.Name)
		}
		byName[svc.Name] = svc
	}
	return &Registry{byName: byName}, nil
}

// Lookup returns the Service definition for name, dispatch being a table
// lookup rather than a per-service switch.
func (r *Registry) Lookup(name string) (Service, bool) {
	svc, ok := r.byName[name]
	if !ok || !svc.Enabled {
		return Service{}, false
	}
	return svc, true
}

// All returns every enabled service, for admin listing endpoints.
func (r *Registry) All() []Service {
	out := make([]Service, 0, len(r.byName))
	for _, svc := range r.byName {
		if svc.Enabled {
			out = append(out, svc)
		}
	}
	return out
}
