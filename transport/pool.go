package transport

import (
	"context"
	"sync"
)

// Pool hands out client transports for a single address.
//
// Transports are created lazily up to maxConns. A buffered channel is the idle queue:
// FIFO, goroutine-safe, and blocking on empty comes for free. Broken transports are
// dropped on the way in and on the way out.
type Pool struct {
	mu       sync.Mutex
	conns    chan *ClientTransport
	addr     string
	maxConns int
	curConns int
	closed   bool
	factory  func(ctx context.Context) (*ClientTransport, error)
}

// NewPool creates a pool that dials through factory.
func NewPool(addr string, maxConns int, factory func(ctx context.Context) (*ClientTransport, error)) *Pool {
	if maxConns < 1 {
		maxConns = 1
	}
	return &Pool{
		conns:    make(chan *ClientTransport, maxConns),
		addr:     addr,
		maxConns: maxConns,
		factory:  factory,
	}
}

// Addr returns the address the pool dials.
func (p *Pool) Addr() string {
	return p.addr
}

// Get returns an idle transport, dials a new one while under the limit, or waits for one
// to be returned.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	for {
		select {
		case t, ok := <-p.conns:
			if !ok {
				return nil, ErrClosed
			}
			if t.Closed() {
				p.discard(t)
				continue
			}
			return t, nil
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if p.curConns < p.maxConns {
			p.curConns++
			p.mu.Unlock()
			t, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.curConns--
				p.mu.Unlock()
				return nil, err
			}
			return t, nil
		}
		p.mu.Unlock()

		// At capacity: block until a transport is returned.
		select {
		case t, ok := <-p.conns:
			if !ok {
				return nil, ErrClosed
			}
			if t.Closed() {
				p.discard(t)
				continue
			}
			return t, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Put returns t to the pool. Closed transports are discarded.
func (p *Pool) Put(t *ClientTransport) {
	if t.Closed() {
		p.discard(t)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.curConns--
		t.Close()
		return
	}
	p.conns <- t
}

// Len returns the number of transports currently owned by the pool, idle or borrowed.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curConns
}

// Close closes every idle transport. Borrowed transports are closed when returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.conns)
	for t := range p.conns {
		t.Close()
		p.curConns--
	}
	return nil
}

func (p *Pool) discard(t *ClientTransport) {
	t.Close()
	p.mu.Lock()
	p.curConns--
	p.mu.Unlock()
}
