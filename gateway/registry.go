package gateway

import (
	"fmt"
	"sort"
	"sync"
)

// MethodFunc handles one control-plane method call. connID identifies the
// calling connection.
type MethodFunc func(connID string, params map[string]any) (any, error)

// ErrUnknownMethod wraps a call to an unregistered method.
type ErrUnknownMethod struct {
	Method string
}

func (e *ErrUnknownMethod) Error() string {
	return fmt.Sprintf("unknown method: %s", e.Method)
}

// MethodRegistry maps method names to handlers.
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]MethodFunc
}

// NewMethodRegistry creates an empty registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{methods: make(map[string]MethodFunc)}
}

// Register adds a method handler, replacing any existing registration.
func (r *MethodRegistry) Register(name string, fn MethodFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = fn
}

// Call invokes the named method.
func (r *MethodRegistry) Call(name, connID string, params map[string]any) (any, error) {
	r.mu.RLock()
	fn, ok := r.methods[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &ErrUnknownMethod{Method: name}
	}
	return fn(connID, params)
}

// Methods lists registered method names in sorted order.
func (r *MethodRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
