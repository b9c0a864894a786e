// Package topology declares the node layouts a test variant can provision.
// Descriptors are static data selected per variant and never mutated at
// runtime.
package topology

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownTopology indicates the requested topology is not
	// registered.
	ErrUnknownTopology = errors.New("unknown topology")
	// ErrInvalidTopology indicates a descriptor failed validation.
	ErrInvalidTopology = errors.New("invalid topology")
)

// Role names a node role within a topology.
type Role struct {
	// Name is the role, e.g. "primary" or "hypervisor".
	Name string `yaml:"name"`
	// Count is how many nodes fill this role.
	Count int `yaml:"count"`
}

// Descriptor declares the shape of a provisioned cluster: how many nodes of
// which role, and the network CIDR spanning them.
type Descriptor struct {
	Name string `yaml:"name"`
	// Description is free-form documentation shown in listings.
	Description string `yaml:"description,omitempty"`
	Roles       []Role `yaml:"roles"`
	// NetworkCIDR is the cluster network shape handed to the
	// provisioner.
	NetworkCIDR string `yaml:"networkCIDR,omitempty"`
}

// TotalNodes returns the number of machines this topology provisions.
func (d Descriptor) TotalNodes() int {
	total := 0
	for _, r := range d.Roles {
		total += r.Count
	}
	return total
}

// Validate checks the descriptor declares a usable cluster: a name, at
// least one node, and exactly one primary role with a single node.
func (d Descriptor) Validate() error {
	var errs []error

	if d.Name == "" {
		errs = append(errs, errors.New("name must be set"))
	}
	if d.TotalNodes() < 1 {
		errs = append(errs, errors.New("topology must declare at least one node"))
	}

	primaries := 0
	for _, r := range d.Roles {
		if r.Count < 1 {
			errs = append(errs, fmt.Errorf("role %q must have count >= 1", r.Name))
		}
		if r.Name == "primary" {
			primaries += r.Count
		}
	}
	if primaries != 1 {
		errs = append(errs, fmt.Errorf("topology must declare exactly one primary node, got %d", primaries))
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidTopology}, errs...)...)
	}
	return nil
}

// Registry holds the known topologies by name.
type Registry struct {
	byName map[string]Descriptor
}

// Defaults returns the built-in topologies used when no topology directory
// is configured.
func Defaults() *Registry {
	r := &Registry{byName: map[string]Descriptor{}}

	// Registration of built-ins cannot fail: they validate by
	// construction.
	for _, d := range []Descriptor{
		{
			Name:        "localhost",
			Description: "single all-in-one node, platform and workload colocated",
			Roles: []Role{
				{Name: "primary", Count: 1},
			},
			NetworkCIDR: "10.0.0.0/24",
		},
		{
			Name:        "primary-workers",
			Description: "one management node plus two hypervisors",
			Roles: []Role{
				{Name: "primary", Count: 1},
				{Name: "hypervisor", Count: 2},
			},
			NetworkCIDR: "10.0.0.0/24",
		},
	} {
		r.byName[d.Name] = d
	}

	return r
}

// LoadDir loads every *.yaml descriptor in dir on top of the built-in
// defaults. A file declaring an existing name overrides the default.
func LoadDir(dir string) (*Registry, error) {
	registry := Defaults()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading topology directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		descriptor, err := loadFile(path)
		if err != nil {
			return nil, err
		}

		registry.byName[descriptor.Name] = descriptor
	}

	return registry, nil
}

// Get returns the named topology.
func (r *Registry) Get(name string) (Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownTopology, name)
	}
	return d, nil
}

// Names lists the registered topology names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}

func loadFile(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("reading topology file %s: %w", path, err)
	}

	var descriptor Descriptor
	if err := yaml.Unmarshal(data, &descriptor); err != nil {
		return Descriptor{}, fmt.Errorf("parsing topology file %s: %w", path, err)
	}

	if err := descriptor.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("topology file %s: %w", path, err)
	}

	return descriptor, nil
}
