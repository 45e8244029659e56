package tools

import (
	"sort"
	"strings"
	"sync"
)

// Catalog resolves tool IDs to descriptors. Built-in tools are fixed for the
// life of the catalog; script tools are swapped wholesale on reload.
type Catalog struct {
	mu       sync.RWMutex
	builtins map[string]*Descriptor
	scripts  map[string]*Descriptor
	version  int64
}

// NewCatalog returns a catalog holding the given built-ins.
func NewCatalog(builtins ...*Descriptor) *Catalog {
	c := &Catalog{
		builtins: make(map[string]*Descriptor, len(builtins)),
		scripts:  map[string]*Descriptor{},
	}
	for _, d := range builtins {
		c.builtins[d.ID] = d
	}
	return c
}

// ReplaceScripts installs a new set of script tools and records the catalog
// version they were loaded for.
func (c *Catalog) ReplaceScripts(descs []*Descriptor, version int64) {
	m := make(map[string]*Descriptor, len(descs))
	for _, d := range descs {
		m[d.ID] = d
	}
	c.mu.Lock()
	c.scripts = m
	c.version = version
	c.mu.Unlock()
}

// Version returns the catalog version of the loaded script tools.
func (c *Catalog) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// GetTool resolves id. IDs are hierarchical: "set/tool" and "set.tool" name
// the same tool, and a bare "set" resolves to the set's default tool (the one
// named like the set, or its only tool).
func (c *Catalog) GetTool(id string) (*Descriptor, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if d, ok := c.lookup(id); ok {
		return d, true
	}
	if set, name, ok := strings.Cut(id, "."); ok && !strings.Contains(set, "/") {
		if d, ok := c.lookup(set + "/" + name); ok {
			return d, true
		}
	}
	if !strings.ContainsAny(id, "/.") {
		return c.defaultOf(id)
	}
	return nil, false
}

func (c *Catalog) lookup(id string) (*Descriptor, bool) {
	if d, ok := c.builtins[id]; ok {
		return d, true
	}
	d, ok := c.scripts[id]
	return d, ok
}

func (c *Catalog) defaultOf(set string) (*Descriptor, bool) {
	if d, ok := c.lookup(set + "/" + set); ok {
		return d, true
	}
	var only *Descriptor
	prefix := set + "/"
	for _, m := range []map[string]*Descriptor{c.builtins, c.scripts} {
		for id, d := range m {
			if !strings.HasPrefix(id, prefix) {
				continue
			}
			if only != nil {
				return nil, false
			}
			only = d
		}
	}
	return only, only != nil
}

// List returns every tool, sorted by ID.
func (c *Catalog) List() []*Descriptor {
	c.mu.RLock()
	out := make([]*Descriptor, 0, len(c.builtins)+len(c.scripts))
	for _, d := range c.builtins {
		out = append(out, d)
	}
	for id, d := range c.scripts {
		if _, shadowed := c.builtins[id]; !shadowed {
			out = append(out, d)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
