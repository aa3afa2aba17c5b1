// Package client calls methods announced in a discovery registry.
//
// For every call the client looks up the instances announcing the method, lets the
// balancer pick one, borrows a pooled TCP transport to it and runs the call through a
// caller.Caller. Transport failures are retried with exponential backoff; error replies
// from the remote method are returned as they are.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chan-rpc/caller"
	"chan-rpc/codec"
	"chan-rpc/discovery"
	"chan-rpc/loadbalance"
	"chan-rpc/message"
	"chan-rpc/transport"

	"github.com/sirupsen/logrus"
)

type Client struct {
	registry   discovery.Registry
	balancer   loadbalance.Balancer
	codecType  codec.CodecType
	poolSize   int
	maxRetries int
	baseDelay  time.Duration
	dialOpts   []transport.ClientOption

	mu     sync.Mutex
	pools  map[string]*transport.Pool // one pool per instance address
	closed bool

	log logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithBalancer replaces the default round-robin balancer.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithCodec selects the body encoding. Default JSON.
func WithCodec(t codec.CodecType) Option {
	return func(c *Client) { c.codecType = t }
}

// WithPoolSize bounds the transports kept per address. Default 4.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

// WithRetry sets how many times a transport failure is retried and the first backoff
// delay, doubled on every attempt. Default 3 retries from 100ms.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}

// WithDialOptions passes options to every transport the client dials.
func WithDialOptions(opts ...transport.ClientOption) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithLogger sets the client logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a client resolving methods through reg.
func New(reg discovery.Registry, opts ...Option) *Client {
	c := &Client{
		registry:   reg,
		balancer:   &loadbalance.RoundRobinBalancer{},
		codecType:  codec.CodecTypeJSON,
		poolSize:   4,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		pools:      make(map[string]*transport.Pool),
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes method and waits for its result values.
func (c *Client) Call(ctx context.Context, method string, args ...any) (message.Values, error) {
	var vals message.Values
	err := c.invoke(ctx, method, func(ctx context.Context, cl *caller.Caller) error {
		var err error
		vals, err = cl.Call(ctx, method, args...)
		return err
	})
	return vals, err
}

// Go runs Call in the background and hands the outcome to done.
func (c *Client) Go(ctx context.Context, method string, done caller.Completion, args ...any) {
	go func() {
		vals, err := c.Call(ctx, method, args...)
		done(err, vals)
	}()
}

// ListMethods asks an instance announcing method for everything it exposes.
func (c *Client) ListMethods(ctx context.Context, method string) ([]message.Descriptor, error) {
	var methods []message.Descriptor
	err := c.invoke(ctx, method, func(ctx context.Context, cl *caller.Caller) error {
		var err error
		methods, err = cl.ListMethods(ctx)
		return err
	})
	return methods, err
}

// invoke runs fn against a freshly picked instance, retrying transport failures.
func (c *Client) invoke(ctx context.Context, method string, fn func(context.Context, *caller.Caller) error) error {
	log := c.log.WithField("method", method)
	var err error
	for attempt := 0; ; attempt++ {
		err = c.attempt(ctx, method, fn)
		if err == nil || attempt >= c.maxRetries || !retryable(err) {
			return err
		}

		delay := c.baseDelay * time.Duration(1<<attempt)
		log.WithError(err).WithField("attempt", attempt+1).Warnf("retrying in %s", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) attempt(ctx context.Context, method string, fn func(context.Context, *caller.Caller) error) error {
	instances, err := c.registry.Discover(ctx, method)
	if err != nil {
		return fmt.Errorf("client: discover %q: %w", method, err)
	}
	instance, err := c.balancer.Pick(method, instances)
	if err != nil {
		return fmt.Errorf("client: %q: %w", method, err)
	}

	pool, err := c.pool(instance.Addr)
	if err != nil {
		return err
	}
	t, err := pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("client: connect %s: %w", instance.Addr, err)
	}
	defer pool.Put(t)

	return fn(ctx, caller.New(t, caller.WithFormat(codec.GetCodec(c.codecType).Name()), caller.WithLogger(c.log)))
}

// pool returns the transport pool for addr, creating it on first use.
func (c *Client) pool(addr string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	if p, ok := c.pools[addr]; ok {
		return p, nil
	}
	opts := append([]transport.ClientOption{transport.WithClientLogger(c.log)}, c.dialOpts...)
	p := transport.NewPool(addr, c.poolSize, func(ctx context.Context) (*transport.ClientTransport, error) {
		return transport.Dial(ctx, addr, c.codecType, opts...)
	})
	c.pools[addr] = p
	return p, nil
}

// Close closes every pooled transport. Later calls fail with transport.ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var errs []error
	for addr, p := range c.pools {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool %s: %w", addr, err))
		}
		delete(c.pools, addr)
	}
	return errors.Join(errs...)
}

// retryable reports whether err is a transport failure worth another attempt. Remote
// method errors, cancellation and an empty instance list are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, loadbalance.ErrNoInstances) {
		return false
	}
	var ce *message.CallError
	if errors.As(err, &ce) {
		return ce.Message == transport.ErrClosed.Error()
	}
	return true
}
