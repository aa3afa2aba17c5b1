// Package inmemory provides an in-process channel.
//
// A Pipe is both the Sender handed to a caller and the Receiver handed to a responder.
// Messages are encoded on Send and decoded again before dispatch, so handlers see exactly
// what a network channel would deliver and nothing is shared between the two sides.
package inmemory

import (
	"context"
	"errors"
	"sync"

	"chan-rpc/codec"
	"chan-rpc/message"
	"chan-rpc/transport"
)

type (
	Pipe struct {
		mu      sync.RWMutex
		sendMu  sync.RWMutex // held by Send while enqueueing, taken by Close before draining
		handler transport.MessageHandler
		codec   codec.Codec
		queue   chan *pack
		limit   chan struct{}
		ctx     context.Context
		cancel  context.CancelFunc
	}

	pack struct {
		ctx   context.Context
		codec codec.Codec
		body  []byte
		reply transport.ReplyFunc
	}

	Option func(*options)

	options struct {
		throughput uint
		queueSize  int
	}
)

// WithThroughput bounds the number of handlers running at once. Zero means unbounded.
func WithThroughput(n uint) Option {
	return func(o *options) { o.throughput = n }
}

// WithQueueSize sets how many messages may wait for dispatch before Send blocks.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// New creates a pipe and starts its dispatch loop.
func New(opts ...Option) *Pipe {
	o := options{queueSize: 1024}
	for _, opt := range opts {
		opt(&o)
	}
	p := &Pipe{
		codec: &codec.JSONCodec{},
		queue: make(chan *pack, o.queueSize),
	}
	if o.throughput > 0 {
		p.limit = make(chan struct{}, o.throughput)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.dispatch()
	return p
}

// Format selects the codec messages pass through.
func (p *Pipe) Format(name string) error {
	c, err := codec.ByName(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.codec = c
	p.mu.Unlock()
	return nil
}

// OnMessage sets the handler inbound messages are dispatched to.
func (p *Pipe) OnMessage(h transport.MessageHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Send queues msg for dispatch. onReply runs on its own goroutine. Once Send returns nil,
// onReply is called exactly once, with a transport.ErrClosed error reply if the pipe is
// closed before the message is dispatched.
func (p *Pipe) Send(ctx context.Context, msg *message.Message, onReply transport.ReplyHandler) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.ctx.Err() != nil {
		return transport.ErrClosed
	}
	p.mu.RLock()
	c := p.codec
	p.mu.RUnlock()

	body, err := c.Encode(msg)
	if err != nil {
		return err
	}

	reply, _ := transport.OnceReply(func(r *message.Message) error {
		data, err := c.Encode(r)
		if err != nil {
			return err
		}
		out := &message.Message{}
		if err := c.Decode(data, out); err != nil {
			return err
		}
		go onReply(out)
		return nil
	})

	select {
	case p.queue <- &pack{ctx: ctx, codec: c, body: body, reply: reply}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return transport.ErrClosed
	}
}

// Close stops the dispatch loop. Messages still queued are answered with
// transport.ErrClosed; handlers already running reply as usual.
func (p *Pipe) Close() error {
	p.cancel()
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	for {
		select {
		case pk := <-p.queue:
			pk.reply(message.ErrorFrom(transport.ErrClosed))
		default:
			return nil
		}
	}
}

func (p *Pipe) dispatch() {
	for {
		select {
		case pk := <-p.queue:
			p.mu.RLock()
			h := p.handler
			p.mu.RUnlock()
			if h == nil {
				pk.reply(message.ErrorFrom(errors.New("no handler registered")))
				continue
			}

			if p.limit != nil {
				select {
				case p.limit <- struct{}{}:
				case <-p.ctx.Done():
					pk.reply(message.ErrorFrom(transport.ErrClosed))
					return
				}
			}
			go func(pk *pack) {
				if p.limit != nil {
					defer func() { <-p.limit }()
				}
				p.handle(h, pk)
			}(pk)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pipe) handle(h transport.MessageHandler, pk *pack) {
	msg := &message.Message{}
	if err := pk.codec.Decode(pk.body, msg); err != nil {
		pk.reply(message.NewError("malformed message: "+err.Error(), ""))
		return
	}
	h(pk.ctx, msg, pk.reply)
}
