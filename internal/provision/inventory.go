package provision

import (
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNoPrimaryHost indicates the generated inventory declares no
	// usable primary node.
	ErrNoPrimaryHost = errors.New("inventory declares no primary host")
)

// Inventory is the host inventory generated by the provisioning playbook.
// Only the shape needed to locate the primary node is modeled; the full
// document is preserved verbatim in the artifact bundle.
type Inventory struct {
	All struct {
		Children map[string]Group `yaml:"children"`
	} `yaml:"all"`
}

// Group is a role group within the inventory.
type Group struct {
	Hosts map[string]Host `yaml:"hosts"`
}

// Host is a single provisioned machine.
type Host struct {
	AnsibleHost string `yaml:"ansible_host"`
}

// ParseInventory parses the generated inventory document.
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parsing inventory: %w", err)
	}
	return &inv, nil
}

// PrimaryAddress returns the management address of the primary node: the
// first host (by name) of the "primary" group. The host name itself is the
// fallback when no ansible_host is declared.
func (inv *Inventory) PrimaryAddress() (string, error) {
	group, ok := inv.All.Children["primary"]
	if !ok || len(group.Hosts) == 0 {
		return "", ErrNoPrimaryHost
	}

	names := make([]string, 0, len(group.Hosts))
	for name := range group.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)

	first := names[0]
	if addr := group.Hosts[first].AnsibleHost; addr != "" {
		return addr, nil
	}
	return first, nil
}
