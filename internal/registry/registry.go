// Package registry holds the host's named machine objects. Objects that
// expose live status implement StatusProvider and become visible to the
// control-plane status catalog.
package registry

import (
	"fmt"
	"time"
)

// StatusProvider is implemented by objects that expose a point-in-time
// status snapshot. Keys are field names; values must be JSON-encodable.
type StatusProvider interface {
	Status(now time.Time) map[string]any
}

// Registry maps object names to machine objects, preserving the order
// objects were added in.
type Registry struct {
	names   []string
	objects map[string]any
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{objects: make(map[string]any)}
}

// Add registers an object under name. Adding a name twice is an error.
func (r *Registry) Add(name string, obj any) error {
	if _, exists := r.objects[name]; exists {
		return fmt.Errorf("object %q already registered", name)
	}
	r.names = append(r.names, name)
	r.objects[name] = obj
	return nil
}

// Lookup returns the object registered under name.
func (r *Registry) Lookup(name string) (any, bool) {
	obj, ok := r.objects[name]
	return obj, ok
}

// Names returns all registered object names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// StatusProviders returns the name and provider of every registered
// object that exposes status.
func (r *Registry) StatusProviders() map[string]StatusProvider {
	providers := make(map[string]StatusProvider)
	for _, name := range r.names {
		if sp, ok := r.objects[name].(StatusProvider); ok {
			providers[name] = sp
		}
	}
	return providers
}
