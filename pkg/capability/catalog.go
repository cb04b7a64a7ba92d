// Package capability validates agent, skill, and tool capability declarations
// against a fixed catalog before any execution is permitted. Validation is
// pure and fail-closed: it returns structured issue lists, never mutates, and
// must run before a plan is accepted.
package capability

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/veldtlabs/veldt/pkg/core"
)

// Catalog is the fixed set of known capabilities with their one-hop
// prerequisite and mutual-exclusion edges.
type Catalog struct {
	caps  map[string]core.CapabilityDefinition
	order []string
}

// NewCatalog builds a catalog from definitions. Later duplicates override
// earlier ones.
func NewCatalog(defs []core.CapabilityDefinition) *Catalog {
	c := &Catalog{caps: make(map[string]core.CapabilityDefinition, len(defs))}
	for _, def := range defs {
		if _, exists := c.caps[def.Name]; !exists {
			c.order = append(c.order, def.Name)
		}
		c.caps[def.Name] = def
	}
	return c
}

// Get returns the definition for a capability name.
func (c *Catalog) Get(name string) (core.CapabilityDefinition, bool) {
	def, ok := c.caps[name]
	return def, ok
}

// Has reports whether the catalog knows the capability.
func (c *Catalog) Has(name string) bool {
	_, ok := c.caps[name]
	return ok
}

// Names returns capability names in registration order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of known capabilities.
func (c *Catalog) Len() int { return len(c.caps) }

type catalogFile struct {
	Capabilities []core.CapabilityDefinition `yaml:"capabilities"`
}

// LoadFile parses a YAML capability catalog.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed catalogFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse capability catalog: %w", err)
	}
	if len(parsed.Capabilities) == 0 {
		return nil, fmt.Errorf("capability catalog %s defines no capabilities", path)
	}
	for _, def := range parsed.Capabilities {
		if def.Name == "" {
			return nil, fmt.Errorf("capability catalog %s contains an unnamed capability", path)
		}
	}
	return NewCatalog(parsed.Capabilities), nil
}

// DefaultCatalog returns the built-in capability graph used when no catalog
// file is configured.
func DefaultCatalog() *Catalog {
	return NewCatalog([]core.CapabilityDefinition{
		{Name: "files.read", Scope: "files"},
		{Name: "files.write", Scope: "files", Requires: []string{"files.read"}},
		{Name: "net.fetch", Scope: "network"},
		{Name: "net.offline", Scope: "network", ForbiddenWith: []string{"net.fetch"}},
		{Name: "storage.read", Scope: "storage"},
		{Name: "storage.write", Scope: "storage", Requires: []string{"storage.read"}},
		{Name: "memory.read", Scope: "memory"},
		{Name: "memory.write", Scope: "memory", Requires: []string{"memory.read"}},
		{Name: "ui.notify", Scope: "ui"},
		{Name: "shell.exec", Scope: "desktop", DangerousPermission: true},
		{Name: "computer.use", Scope: "desktop", Requires: []string{"files.read"}, DangerousPermission: true},
	})
}
