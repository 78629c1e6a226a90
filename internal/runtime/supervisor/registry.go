package supervisor

import "sync"

// Registry names the supervisors of running subsystems so the health
// endpoint can report them. A nil *Registry ignores writes.
type Registry struct {
	mu   sync.RWMutex
	sups map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{sups: map[string]*Supervisor{}}
}

// Set registers sup under name; a nil sup removes the entry.
func (r *Registry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if sup == nil {
		delete(r.sups, name)
	} else {
		r.sups[name] = sup
	}
	r.mu.Unlock()
}

func (r *Registry) Delete(name string) { r.Set(name, nil) }

func (r *Registry) Snapshot() map[string]*Supervisor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Supervisor, len(r.sups))
	for k, v := range r.sups {
		out[k] = v
	}
	return out
}
