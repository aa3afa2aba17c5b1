package discovery

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry for single-node deployments and tests. ttl is
// ignored: entries live until deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	methods  map[string]map[string]Instance
	watchers map[string][]chan []Instance
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		methods:  make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, method string, instance Instance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.methods[method] == nil {
		r.methods[method] = make(map[string]Instance)
	}
	r.methods[method][instance.Addr] = instance
	r.notify(method)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, method string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[method][addr]; !ok {
		return nil
	}
	delete(r.methods[method], addr)
	r.notify(method)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, method string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(method), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, method string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	r.watchers[method] = append(r.watchers[method], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[method]
		for i, w := range ws {
			if w == ch {
				r.watchers[method] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// snapshot returns the instances of method sorted by address. Callers hold mu.
func (r *MemoryRegistry) snapshot(method string) []Instance {
	out := make([]Instance, 0, len(r.methods[method]))
	for _, inst := range r.methods[method] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notify pushes the latest list to every watcher, replacing an unread older one.
// Callers hold mu.
func (r *MemoryRegistry) notify(method string) {
	list := r.snapshot(method)
	for _, w := range r.watchers[method] {
		select {
		case <-w:
		default:
		}
		w <- list
	}
}
