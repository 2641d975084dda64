package pipeline

import (
	"sync"

	"github.com/deploysmith/orchestrator/internal/deployment"
)

// ActiveDeployment is the O(1) bookkeeping record held in the process-wide
// registry while a pipeline goroutine owns a deployment id. It exists so
// Dispatcher can refuse a concurrent deploy without consulting the
// workspace or the SQLite index.
type ActiveDeployment struct {
	ID    string
	State deployment.State
	Mode  deployment.Mode
}

// Registry is the single process-wide map of deployment id to its active
// pipeline bookkeeping. The mutex is held only for map reads/writes, never
// across a subprocess call or channel send, per spec.md §9.
type Registry struct {
	mu     sync.Mutex
	active map[string]*ActiveDeployment
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*ActiveDeployment)}
}

// TryStart registers id as active iff it is not already active, returning
// false if a pipeline for this id is already running.
func (r *Registry) TryStart(id string, mode deployment.Mode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[id]; exists {
		return false
	}
	r.active[id] = &ActiveDeployment{ID: id, State: deployment.StateInit, Mode: mode}
	return true
}

// IsActive reports whether id currently has a running pipeline.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.active[id]
	return exists
}

// UpdateState records the active deployment's current state for
// introspection (e.g. a status endpoint), called from the pipeline's own
// goroutine only.
func (r *Registry) UpdateState(id string, state deployment.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, exists := r.active[id]; exists {
		a.State = state
	}
}

// Finish removes id from the active set once its pipeline goroutine
// returns, terminal state or not.
func (r *Registry) Finish(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}
