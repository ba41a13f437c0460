package router

import (
	"maps"
	"sort"
	"sync"

	rtsup "crowdbot/internal/runtime/supervisor"
)

// SupervisorRegistry is a thread-safe name -> supervisor map. Subsystems
// register on start and delete on stop; /status reads a snapshot.
type SupervisorRegistry struct {
	mu sync.RWMutex
	m  map[string]*rtsup.Supervisor
}

func NewSupervisorRegistry() *SupervisorRegistry {
	return &SupervisorRegistry{m: map[string]*rtsup.Supervisor{}}
}

// Set registers or replaces a supervisor. A nil sup deletes the entry.
func (r *SupervisorRegistry) Set(name string, sup *rtsup.Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *SupervisorRegistry) Delete(name string) { r.Set(name, nil) }

func (r *SupervisorRegistry) Snapshot() map[string]*rtsup.Supervisor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.m)
}

// Names returns the registered names in order.
func (r *SupervisorRegistry) Names() []string {
	snap := r.Snapshot()
	out := make([]string, 0, len(snap))
	for k := range snap {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
