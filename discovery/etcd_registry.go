package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// keyPrefix roots every entry:
//
//	Key:   /chan-rpc/{method}/{addr}
//	Value: JSON-encoded Instance
//
// Entries are attached to a TTL lease kept alive in the background, so a crashed server
// disappears once its lease expires.
const keyPrefix = "/chan-rpc/"

func methodPrefix(method string) string {
	return keyPrefix + method + "/"
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	leases sync.Map // key -> clientv3.LeaseID
	log    logrus.FieldLogger
}

// EtcdOption configures an EtcdRegistry.
type EtcdOption func(*etcdOptions)

type etcdOptions struct {
	dialTimeout time.Duration
	log         logrus.FieldLogger
}

// WithDialTimeout bounds the initial connection to etcd. Default 5s.
func WithDialTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) { o.dialTimeout = d }
}

// WithLogger sets the registry logger.
func WithLogger(log logrus.FieldLogger) EtcdOption {
	return func(o *etcdOptions) { o.log = log }
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	o := etcdOptions{dialTimeout: 5 * time.Second, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: connect etcd: %w", err)
	}
	return &EtcdRegistry{client: c, log: o.log}, nil
}

// Register stores instance under method with a TTL lease and keeps the lease alive until
// Deregister or Close.
//
// The lease id is kept per key rather than on the struct, so several servers may share one
// EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, method string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("discovery: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := methodPrefix(method) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery: put %s: %w", key, err)
	}

	// KeepAlive must outlive the registering call.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("discovery: keep alive: %w", err)
	}
	r.leases.Store(key, lease.ID)

	go func() {
		for range ch {
		}
		r.log.WithField("key", key).Debug("lease keep-alive stopped")
	}()
	r.log.WithFields(logrus.Fields{"method": method, "addr": instance.Addr}).Debug("registered")
	return nil
}

// Deregister removes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, method string, addr string) error {
	key := methodPrefix(method) + addr
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("discovery: delete %s: %w", key, err)
	}
	if id, ok := r.leases.LoadAndDelete(key); ok {
		if _, err := r.client.Revoke(ctx, id.(clientv3.LeaseID)); err != nil {
			r.log.WithError(err).WithField("key", key).Warn("revoke lease")
		}
	}
	return nil
}

// Watch re-reads the instance list whenever a key under method changes.
func (r *EtcdRegistry) Watch(ctx context.Context, method string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		for resp := range r.client.Watch(ctx, methodPrefix(method), clientv3.WithPrefix()) {
			if err := resp.Err(); err != nil {
				r.log.WithError(err).WithField("method", method).Warn("watch failed")
				return
			}
			instances, err := r.Discover(ctx, method)
			if err != nil {
				r.log.WithError(err).WithField("method", method).Warn("discover after change")
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all instances currently registered for method. Malformed entries are
// skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, method string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, methodPrefix(method), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: get %s: %w", method, err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.WithField("key", string(kv.Key)).Warn("skipping malformed instance")
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every keep-alive and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
