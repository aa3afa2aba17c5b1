package responder

import "sync"

// registry maps method names to entries and remembers registration order, so
// introspection replies list methods deterministically. Re-registering a name replaces
// the entry but keeps its original position.
type registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*method
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*method)}
}

// put stores m and reports whether an existing entry was replaced.
func (r *registry) put(m *method) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.entries[m.name]
	if !exists {
		r.order = append(r.order, m.name)
	}
	r.entries[m.name] = m
	return exists
}

func (r *registry) get(name string) (*method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.entries[name]
	return m, ok
}

// list returns a snapshot in registration order.
func (r *registry) list() []*method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*method, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}
