// Package catalog is the registry of named datasets. Datasets are
// registered lazily: the loader runs the first time the dataset is
// requested and its records are reused afterwards.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tsawler/go-meanteacher/structures"
)

// ErrNotRegistered is returned when a dataset name is unknown
var ErrNotRegistered = errors.New("dataset not registered")

// Metadata describes a registered dataset
type Metadata struct {
	Name         string
	JSONFile     string
	ImageRoot    string
	ThingClasses []string
}

// LoaderFunc produces the records of a dataset, with annotations in original
// image coordinates and no decoded images.
type LoaderFunc func() ([]structures.Record, Metadata, error)

type entry struct {
	load    LoaderFunc
	once    sync.Once
	records []structures.Record
	meta    Metadata
	err     error
}

// Catalog maps dataset names to loaders. It is safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty catalog
func New() *Catalog {
	return &Catalog{entries: make(map[string]*entry)}
}

// Register adds a dataset. Names must be unique.
func (c *Catalog) Register(name string, load LoaderFunc) error {
	if name == "" {
		return fmt.Errorf("dataset name cannot be empty")
	}
	if load == nil {
		return fmt.Errorf("dataset %q: loader cannot be nil", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; exists {
		return fmt.Errorf("dataset %q is already registered", name)
	}
	c.entries[name] = &entry{load: load}
	return nil
}

// Get returns the records of a dataset, loading it on first use
func (c *Catalog) Get(name string) ([]structures.Record, error) {
	e, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.records, nil
}

// Metadata returns the metadata of a dataset, loading it on first use
func (c *Catalog) Metadata(name string) (Metadata, error) {
	e, err := c.lookup(name)
	if err != nil {
		return Metadata{}, err
	}
	return e.meta, nil
}

func (c *Catalog) lookup(name string) (*entry, error) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}

	e.once.Do(func() {
		e.records, e.meta, e.err = e.load()
		if e.err != nil {
			e.err = fmt.Errorf("failed to load dataset %q: %w", name, e.err)
		}
		e.meta.Name = name
	})
	return e, e.err
}

// List returns the registered names, sorted
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Concat returns the records of several datasets in order
func (c *Catalog) Concat(names []string) ([]structures.Record, error) {
	var out []structures.Record
	for _, name := range names {
		records, err := c.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// FilterEmpty drops records without annotations
func FilterEmpty(records []structures.Record) []structures.Record {
	out := make([]structures.Record, 0, len(records))
	for _, r := range records {
		if r.Instances.Len() > 0 {
			out = append(out, r)
		}
	}
	return out
}
