// Package resource holds app-wide singletons keyed by their Go type.
package resource

import (
	"reflect"
	"sync"

	"github.com/rotisserie/eris"
)

var ErrResourceNotFound = eris.New("resource not found")

// Registry stores at most one value per type. Values are stored as pointers so systems mutate them in place.
type Registry struct {
	mu    sync.RWMutex
	items map[reflect.Type]any
}

func NewRegistry() *Registry {
	return &Registry{
		items: make(map[reflect.Type]any),
	}
}

func typeOf[R any]() reflect.Type {
	return reflect.TypeOf((*R)(nil)).Elem()
}

// Insert stores v, replacing any previous value of the same type.
func Insert[R any](r *Registry, v *R) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[typeOf[R]()] = v
}

// Init returns the stored value of type R, creating it with newFn if it does not exist yet.
func Init[R any](r *Registry, newFn func() *R) *R {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.items[typeOf[R]()]; ok {
		return v.(*R) //nolint:forcetypeassert // keyed by type
	}
	v := newFn()
	r.items[typeOf[R]()] = v
	return v
}

func Get[R any](r *Registry) (*R, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[typeOf[R]()]
	if !ok {
		return nil, eris.Wrapf(ErrResourceNotFound, "type %s", typeOf[R]())
	}
	return v.(*R), nil //nolint:forcetypeassert // keyed by type
}

// MustGet is Get for resources registered during setup. It panics when the resource is missing.
func MustGet[R any](r *Registry) *R {
	v, err := Get[R](r)
	if err != nil {
		panic(eris.ToString(err, true))
	}
	return v
}

func Contains[R any](r *Registry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.items[typeOf[R]()]
	return ok
}

// Remove deletes the resource of type R and returns it, if it was present.
func Remove[R any](r *Registry) (*R, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[typeOf[R]()]
	if !ok {
		return nil, false
	}
	delete(r.items, typeOf[R]())
	return v.(*R), true //nolint:forcetypeassert // keyed by type
}

// Len returns the number of stored resources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
