package dispatch

import (
	"fmt"
	"sort"
	"sync"
)

// Property is one configuration entry. Order is significant for rules.
type Property struct {
	Name  string
	Value string
}

// Properties is an ordered property list.
type Properties []Property

// Get returns the value of the named property.
func (p Properties) Get(name string) (string, bool) {
	for _, prop := range p {
		if prop.Name == name {
			return prop.Value, true
		}
	}
	return "", false
}

// Merge returns p with the entries of o applied: existing names keep their
// position and take the new value, new names are appended.
func (p Properties) Merge(o Properties) Properties {
	out := append(Properties(nil), p...)
	for _, prop := range o {
		replaced := false
		for i := range out {
			if out[i].Name == prop.Name {
				out[i].Value = prop.Value
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, prop)
		}
	}
	return out
}

// Descriptor configures the dispatcher: the registered type name and its
// properties.
type Descriptor struct {
	Name       string
	Properties Properties
}

// Merge returns d overridden by o. An empty name in o keeps d's.
func (d Descriptor) Merge(o Descriptor) Descriptor {
	out := Descriptor{Name: d.Name, Properties: d.Properties.Merge(o.Properties)}
	if o.Name != "" {
		out.Name = o.Name
	}
	return out
}

// Factory creates an uninitialized dispatcher.
type Factory func() Dispatcher

// Registry maps dispatcher type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in "default" and "rules"
// dispatchers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("default", func() Dispatcher { return NewDefault() })
	r.Register("rules", func() Dispatcher { return NewRules() })
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the sorted type names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build creates and initializes the dispatcher described by d. An empty
// name selects "default".
func (r *Registry) Build(d Descriptor) (Dispatcher, error) {
	name := d.Name
	if name == "" {
		name = "default"
	}
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown dispatcher type %q", name)
	}
	disp := f()
	if err := disp.Initialize(d.Properties); err != nil {
		return nil, fmt.Errorf("initialize dispatcher %q: %w", name, err)
	}
	return disp, nil
}
