// Package discovery keeps track of which addresses serve which methods.
//
// Servers announce every exposed method under its own name, so a client looks up the
// method it is about to call rather than a service.
package discovery

import "context"

// Instance is one announced endpoint.
type Instance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
}

// Registry announces and looks up instances by method name.
type Registry interface {
	Register(ctx context.Context, method string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, method string, addr string) error
	Discover(ctx context.Context, method string) ([]Instance, error)
	// Watch emits the full instance list on every change until ctx is done.
	Watch(ctx context.Context, method string) <-chan []Instance
}
