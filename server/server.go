// Package server answers calls over the framed TCP channel and announces every exposed
// method in a discovery registry.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → Responder.Dispatch → Codec.Encode → write reply
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"chan-rpc/discovery"
	"chan-rpc/responder"
	"chan-rpc/transport"

	"github.com/sirupsen/logrus"
)

// Server is a Responder bound to a TCP listener.
type Server struct {
	*responder.Responder

	ttl         int64
	weight      int
	version     string
	idleTimeout time.Duration
	log         logrus.FieldLogger

	mu            sync.Mutex
	listener      *transport.Listener
	registry      discovery.Registry // nil if not using discovery
	advertiseAddr string             // address announced in the registry, e.g. "127.0.0.1:8080"
	announced     []string
	ready         chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithTTL sets the registry lease TTL in seconds. Default 10.
func WithTTL(ttl int64) Option {
	return func(s *Server) { s.ttl = ttl }
}

// WithWeight sets the weight announced for weighted balancing. Default 10.
func WithWeight(w int) Option {
	return func(s *Server) { s.weight = w }
}

// WithVersion sets the version announced with every method.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithIdleTimeout closes connections idle for longer than d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithLogger sets the logger shared by the server and its responder.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer creates a server with an empty method registry.
func NewServer(opts ...Option) *Server {
	s := &Server{
		ttl:    10,
		weight: 10,
		log:    logrus.StandardLogger(),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Responder = responder.New(responder.WithLogger(s.log))
	return s
}

// Serve listens on address, announces every exposed method under advertiseAddr and
// enters the accept loop. Middlewares must be added with Use before Serve.
//
//   - advertiseAddr: the address clients should dial, e.g. "127.0.0.1:8080". It differs
//     from the listen address because ":8080" is not routable. Empty means the listener's
//     own address.
//   - reg: the registry to announce in. Pass nil to skip service discovery.
//
// Methods exposed after Serve are served but not announced.
func (s *Server) Serve(network, address, advertiseAddr string, reg discovery.Registry) error {
	opts := []transport.ListenerOption{transport.WithListenerLogger(s.log)}
	if s.idleTimeout > 0 {
		opts = append(opts, transport.WithIdleTimeout(s.idleTimeout))
	}
	l, err := transport.Listen(network, address, opts...)
	if err != nil {
		return err
	}
	if advertiseAddr == "" {
		advertiseAddr = l.Addr().String()
	}
	if err := s.Listen(l); err != nil {
		l.Shutdown(0)
		return err
	}

	s.mu.Lock()
	s.listener = l
	s.registry = reg
	s.advertiseAddr = advertiseAddr
	s.mu.Unlock()

	if reg != nil {
		if err := s.announce(reg, advertiseAddr); err != nil {
			l.Shutdown(0)
			return err
		}
	}
	close(s.ready)
	s.log.WithField("addr", advertiseAddr).Info("serving")
	return l.Serve()
}

func (s *Server) announce(reg discovery.Registry, addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	instance := discovery.Instance{Addr: addr, Weight: s.weight, Version: s.version}
	for _, name := range s.Names() {
		if err := reg.Register(ctx, name, instance, s.ttl); err != nil {
			return fmt.Errorf("announce %q: %w", name, err)
		}
		s.mu.Lock()
		s.announced = append(s.announced, name)
		s.mu.Unlock()
	}
	return nil
}

// Ready is closed once the server is listening and its methods are announced.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown performs graceful shutdown:
//  1. Deregister every announced method (clients stop routing to this server)
//  2. Stop accepting connections
//  3. Wait for in-flight requests to finish (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	l, reg, addr, announced := s.listener, s.registry, s.advertiseAddr, s.announced
	s.announced = nil
	s.mu.Unlock()

	var errs []error
	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, name := range announced {
			if err := reg.Deregister(ctx, name, addr); err != nil {
				errs = append(errs, fmt.Errorf("deregister %q: %w", name, err))
			}
		}
		cancel()
	}
	if l != nil {
		if err := l.Shutdown(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
