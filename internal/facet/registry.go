package facet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/opgate/internal/operation"
	"github.com/ChuLiYu/opgate/pkg/types"
)

// ErrUnknownResource is returned when no facet is registered for a resource.
var ErrUnknownResource = errors.New("unknown resource")

// Registry is a static FacetLocator and DefinitionLookup.
type Registry struct {
	mu          sync.RWMutex
	facets      map[types.ResourceID]operation.Facet
	definitions map[string]*types.OperationDefinition
}

var (
	_ operation.FacetLocator     = (*Registry)(nil)
	_ operation.DefinitionLookup = (*Registry)(nil)
)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		facets:      make(map[types.ResourceID]operation.Facet),
		definitions: make(map[string]*types.OperationDefinition),
	}
}

// Register binds facet to a resource, replacing any previous binding.
func (r *Registry) Register(id types.ResourceID, facet operation.Facet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.facets[id] = facet
}

// Define adds operation definitions. Definitions apply to every resource.
func (r *Registry) Define(defs ...*types.OperationDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defs {
		r.definitions[def.Name] = def
	}
}

func (r *Registry) OperationFacet(id types.ResourceID) (operation.Facet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	facet, ok := r.facets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownResource, id)
	}
	return facet, nil
}

func (r *Registry) OperationDefinition(_ types.ResourceID, name string) (*types.OperationDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	return def, ok
}

// Resources returns the number of registered resources.
func (r *Registry) Resources() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.facets)
}
