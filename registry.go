package gpgpu

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Factory opens a backend. It returns an error wrapping
// ErrBackendNotAvailable when no driver is reachable.
type Factory func() (Backend, error)

// DefaultPriority is the order Registry.Default tries backends in.
// GPU backends come first and the CPU backend is the fallback.
var DefaultPriority = []Kind{
	KindCUDA, KindVulkan, KindMetal, KindDirectX, KindWebGPU,
	KindOptiX, KindPyTorch, KindOpenCL, KindCPU,
}

// Registry maps backend kinds to factories. A program usually builds one
// at startup; there is no package-level registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
	priority  []Kind
}

// NewRegistry returns an empty registry that tries kinds in priority
// order. A nil priority selects DefaultPriority.
func NewRegistry(priority ...Kind) *Registry {
	if len(priority) == 0 {
		priority = DefaultPriority
	}
	return &Registry{
		factories: make(map[Kind]Factory),
		priority:  slices.Clone(priority),
	}
}

// Register adds a factory for kind, replacing any previous one.
func (r *Registry) Register(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Unregister removes the factory for kind.
func (r *Registry) Unregister(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, kind)
}

// IsRegistered reports whether kind has a factory.
func (r *Registry) IsRegistered(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Available returns the registered kinds in priority order, followed by
// any kinds not named in the priority list.
func (r *Registry) Available() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.factories))
	for _, k := range r.priority {
		if _, ok := r.factories[k]; ok {
			kinds = append(kinds, k)
		}
	}
	var rest []Kind
	for k := range r.factories {
		if !slices.Contains(kinds, k) {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	return append(kinds, rest...)
}

// Open creates a backend of the given kind.
func (r *Registry) Open(kind Kind) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not registered", ErrBackendNotAvailable, kind)
	}
	b, err := f()
	if err != nil {
		return nil, fmt.Errorf("gpgpu: open %s: %w", kind, err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotAvailable, kind)
	}
	return b, nil
}

// Default opens the first available backend in priority order. Factories
// reporting ErrBackendNotAvailable are skipped; other errors are returned
// joined if nothing opens.
func (r *Registry) Default() (Backend, error) {
	var errs []error
	for _, k := range r.Available() {
		b, err := r.Open(k)
		if err == nil {
			slogger().Info("gpgpu: default backend selected", "kind", k.String(), "name", b.Name())
			return b, nil
		}
		if !errors.Is(err, ErrBackendNotAvailable) {
			errs = append(errs, err)
		}
		slogger().Debug("gpgpu: backend skipped", "kind", k.String(), "err", err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(append([]error{ErrBackendNotAvailable}, errs...)...)
	}
	return nil, ErrBackendNotAvailable
}
