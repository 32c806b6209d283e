package engine

import (
	"fmt"
	"sort"
	"sync"
)

type registration struct {
	ctor HandlerConstructor
	auto string
}

// Registry maps problem type tags to handler constructors and their default
// auto resolution. It is built at startup, sealed, and handed to the engine.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds a problem type. An empty autoResolution means the type has
// no default and auto apply skips it.
func (r *Registry) Register(tag string, ctor HandlerConstructor, autoResolution string) error {
	if tag == "" {
		return NewPermanentError("problem type tag is empty", nil).WithCode(ErrCodeValidation)
	}
	if ctor == nil {
		return NewPermanentError("handler constructor is nil", nil).
			WithCode(ErrCodeValidation).WithResource(tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return NewPermanentError("registry is sealed", nil).WithResource(tag)
	}
	if _, exists := r.entries[tag]; exists {
		return NewPermanentError("problem type already registered", nil).WithResource(tag)
	}
	r.entries[tag] = registration{ctor: ctor, auto: autoResolution}
	return nil
}

// MustRegister is Register that panics on error, for static tables.
func (r *Registry) MustRegister(tag string, ctor HandlerConstructor, autoResolution string) {
	if err := r.Register(tag, ctor, autoResolution); err != nil {
		panic(err)
	}
}

// Lookup returns the constructor and auto resolution for tag.
func (r *Registry) Lookup(tag string) (HandlerConstructor, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[tag]
	if !ok {
		return nil, "", NewPermanentError(fmt.Sprintf("no handler registered for %q", tag), ErrUnknownProblemType).
			WithCode(ErrCodeUnknownProblemType)
	}
	return entry.ctor, entry.auto, nil
}

// AutoResolution returns the default resolution name for tag.
func (r *Registry) AutoResolution(tag string) (string, error) {
	_, auto, err := r.Lookup(tag)
	return auto, err
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Types lists the registered tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.entries))
	for tag := range r.entries {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
