package formula

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type collectionKey struct {
	name    string
	version string
}

// Collection is a set of formulas keyed by (name, version). It replaces a
// process-wide registry: callers build one and pass it to whatever needs
// lookups. The zero value is not usable; call NewCollection.
type Collection struct {
	byKey  map[collectionKey]*Manifest
	latest map[string]*Manifest
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{
		byKey:  make(map[collectionKey]*Manifest),
		latest: make(map[string]*Manifest),
	}
}

// Add inserts m. A second formula with the same name and version is
// accepted only if it declares the same digest (it is then a no-op);
// otherwise Add returns a *DuplicateError and keeps the first.
func (c *Collection) Add(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}

	key := collectionKey{name: m.Name, version: m.Version}
	if existing, ok := c.byKey[key]; ok {
		if existing.Digest == m.Digest {
			return nil
		}
		return &DuplicateError{
			Name:     m.Name,
			Version:  m.Version,
			Existing: existing,
			Incoming: m,
		}
	}

	c.byKey[key] = m
	c.latest[m.Name] = m
	return nil
}

// Lookup returns the formula for name at version.
func (c *Collection) Lookup(name, version string) (*Manifest, bool) {
	m, ok := c.byKey[collectionKey{name: name, version: version}]
	return m, ok
}

// Latest returns the most recently added formula for name. Versions are
// not compared; this is the order formulas were loaded in.
func (c *Collection) Latest(name string) (*Manifest, bool) {
	m, ok := c.latest[name]
	return m, ok
}

// Len returns the number of distinct (name, version) entries.
func (c *Collection) Len() int {
	return len(c.byKey)
}

// All returns every formula sorted by name, then version.
func (c *Collection) All() []*Manifest {
	out := make([]*Manifest, 0, len(c.byKey))
	for _, m := range c.byKey {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// LoadDir parses every recognised formula file directly inside dir into a
// new collection. Files are read in lexical order. Parse and duplicate
// errors are collected rather than stopping at the first one; the returned
// collection holds everything that loaded cleanly.
func (p *Parser) LoadDir(ctx context.Context, dir string) (*Collection, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read formula dir: %w", err)
	}

	c := NewCollection()
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := DetectFormat(entry.Name()); !ok {
			continue
		}
		if ctx.Err() != nil {
			return c, ctx.Err()
		}

		m, err := p.ParseFile(ctx, filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.Add(m); err != nil {
			errs = append(errs, err)
		}
	}

	return c, errors.Join(errs...)
}
