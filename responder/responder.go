// Package responder answers calls arriving on a channel.
//
// A Responder owns an ordered method registry. For every inbound message it sends exactly
// one reply:
//
//	["methods"]              → ["methods", {name, params, arity}, ...]
//	["call", name, args...]  → ["result", values...] or ["error", message, stack]
//
// A handler that panics is not recovered here, and one that never calls its completion
// leaves the caller waiting. Both are left to the channel and to middleware.Timeout.
package responder

import (
	"context"
	"errors"
	"fmt"

	"chan-rpc/message"
	"chan-rpc/middleware"
	"chan-rpc/transport"

	"github.com/sirupsen/logrus"
)

// Responder dispatches inbound messages to exposed methods.
type Responder struct {
	methods     *registry
	middlewares []middleware.Middleware
	log         logrus.FieldLogger
}

// Option configures a Responder.
type Option func(*Responder)

// WithLogger sets the logger used for registration and dispatch diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Responder) { r.log = log }
}

// WithMiddleware appends middlewares to the dispatch chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(r *Responder) { r.middlewares = append(r.middlewares, mws...) }
}

// New creates a Responder with an empty registry.
func New(opts ...Option) *Responder {
	r := &Responder{
		methods: newRegistry(),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Use appends a middleware. Middlewares are applied in the order they are added and take
// effect for handlers obtained afterwards.
func (r *Responder) Use(mw middleware.Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

// Expose registers fn under name, replacing any method already registered under it.
// params optionally names the positional arguments for introspection; when given it must
// match the handler's arity. See newMethod for the accepted handler shapes.
func (r *Responder) Expose(name string, fn any, params ...string) error {
	if len(params) == 0 {
		params = nil
	}
	m, err := newMethod(name, fn, params)
	if err != nil {
		return err
	}
	r.put(m)
	return nil
}

// ExposeAll registers several methods in the given order. Nothing is registered if any
// entry is invalid.
func (r *Responder) ExposeAll(methods ...Method) error {
	built := make([]*method, 0, len(methods))
	for _, def := range methods {
		m, err := newMethod(def.Name, def.Func, def.Params)
		if err != nil {
			return err
		}
		built = append(built, m)
	}
	for _, m := range built {
		r.put(m)
	}
	return nil
}

func (r *Responder) put(m *method) {
	r.log.Debugf("expose %q", m.name)
	if r.methods.put(m) {
		r.log.WithField("method", m.name).Debug("replaced existing method")
	}
}

// Names returns the exposed method names in registration order.
func (r *Responder) Names() []string {
	entries := r.methods.list()
	names := make([]string, len(entries))
	for i, m := range entries {
		names[i] = m.name
	}
	return names
}

// Descriptors returns a snapshot of the introspection descriptors.
func (r *Responder) Descriptors() []message.Descriptor {
	entries := r.methods.list()
	out := make([]message.Descriptor, len(entries))
	for i, m := range entries {
		out[i] = m.descriptor()
	}
	return out
}

// Handler returns Dispatch wrapped in the middleware chain.
func (r *Responder) Handler() transport.MessageHandler {
	h := middleware.Chain(r.middlewares...)(r.Dispatch)
	return transport.MessageHandler(h)
}

// Listen asks the channel for JSON encoding when it takes a hint, then starts receiving.
func (r *Responder) Listen(rcv transport.Receiver) error {
	if err := transport.RequestFormat(rcv, "json"); err != nil {
		return fmt.Errorf("request json format: %w", err)
	}
	rcv.OnMessage(r.Handler())
	return nil
}

// Dispatch answers one inbound message through reply, exactly once.
func (r *Responder) Dispatch(ctx context.Context, msg *message.Message, reply transport.ReplyFunc) {
	reply, _ = transport.OnceReply(reply)
	send := func(out *message.Message) {
		if err := reply(out); err != nil {
			log := r.log.WithField("method", msg.Method)
			if errors.Is(err, transport.ErrReplied) {
				log.Warn("completion called more than once")
				return
			}
			log.WithError(err).Error("failed to send reply")
		}
	}

	if msg.Kind == message.KindMethods {
		send(message.NewMethodsReply(r.Descriptors()))
		return
	}

	name := msg.Method
	if msg.Kind != message.KindCall || name == "" {
		send(message.NewError(".method required", ""))
		return
	}

	m, ok := r.methods.get(name)
	if !ok {
		send(message.NewError(fmt.Sprintf("method %q does not exist", name), ""))
		return
	}

	if m.arity >= 0 && len(msg.Args) != m.arity {
		send(message.NewError(fmt.Sprintf("method %q expects %d arguments, got %d", name, m.arity, len(msg.Args)), ""))
		return
	}

	m.call(ctx, msg.Args, func(err error, results ...any) {
		if err != nil {
			send(message.ErrorFrom(err))
			return
		}
		out, encErr := message.NewResult(results...)
		if encErr != nil {
			send(message.ErrorFrom(fmt.Errorf("method %q: %w", name, encErr)))
			return
		}
		send(out)
	})
}
