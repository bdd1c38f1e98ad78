package briefcase

import (
	"fmt"
	"sync"

	"github.com/maruel/briefhub/internal/models"
)

// Registry tracks the open briefcases of one process, keyed by their
// hub-assigned id. Unlike a Briefcase it is safe for concurrent use: tools
// managing several briefcases (test harnesses, migration jobs) share one.
type Registry struct {
	mu   sync.RWMutex
	byID map[models.BriefcaseID]*Briefcase
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[models.BriefcaseID]*Briefcase)}
}

// Add registers an open briefcase. Registering the same id twice is an error.
func (r *Registry) Add(b *Briefcase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[b.ID()]; ok {
		return fmt.Errorf("briefcase %s already registered", b.ID())
	}
	r.byID[b.ID()] = b
	return nil
}

// Get returns the briefcase with the given id, or nil.
func (r *Registry) Get(id models.BriefcaseID) *Briefcase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Remove forgets a briefcase. It does not close or release it.
func (r *Registry) Remove(id models.BriefcaseID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Len returns the number of registered briefcases.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
