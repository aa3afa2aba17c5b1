// Package caller issues calls over a channel and delivers each reply to its completion.
package caller

import (
	"context"
	"fmt"
	"runtime/debug"

	"chan-rpc/message"
	"chan-rpc/transport"

	"github.com/sirupsen/logrus"
)

// Completion receives the outcome of a call. err is a *message.CallError when the remote
// method failed, or a local error when the call never completed.
type Completion func(err error, results message.Values)

// MethodsCompletion receives the outcome of an introspection request.
type MethodsCompletion func(err error, methods []message.Descriptor)

// Caller sends calls through a transport.Sender.
type Caller struct {
	sender transport.Sender
	format string
	log    logrus.FieldLogger
}

// Option configures a Caller.
type Option func(*Caller)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Caller) { c.log = log }
}

// WithFormat sets the encoding hint passed to the channel. Default "json".
func WithFormat(name string) Option {
	return func(c *Caller) { c.format = name }
}

// New binds a Caller to sender and passes the encoding hint to the channel when it takes
// one.
func New(sender transport.Sender, opts ...Option) *Caller {
	c := &Caller{sender: sender, format: "json", log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(c)
	}
	if err := transport.RequestFormat(sender, c.format); err != nil {
		c.log.WithError(err).Errorf("request %s format", c.format)
	}
	return c
}

// Go calls method with args and returns immediately. done is invoked exactly once: with
// the result values, with a *message.CallError when the remote side answered with an
// error, or with a local error when the call could not be sent.
func (c *Caller) Go(ctx context.Context, method string, done Completion, args ...any) {
	msg, err := message.NewCall(method, args...)
	if err != nil {
		done(err, nil)
		return
	}
	c.log.WithField("method", method).Debugf("call %s", msg)

	err = c.sender.Send(ctx, msg, func(reply *message.Message) {
		// Only an error tag fails the call; any other tag delivers its values.
		if reply.Kind == message.KindError {
			done(remoteError(reply), nil)
			return
		}
		done(nil, reply.Args)
	})
	if err != nil {
		done(fmt.Errorf("rpc: send %q: %w", method, err), nil)
	}
}

// Call is the blocking form of Go. It returns when the reply arrives or ctx is done.
func (c *Caller) Call(ctx context.Context, method string, args ...any) (message.Values, error) {
	type outcome struct {
		vals message.Values
		err  error
	}
	ch := make(chan outcome, 1)
	c.Go(ctx, method, func(err error, results message.Values) {
		ch <- outcome{results, err}
	}, args...)

	select {
	case o := <-ch:
		return o.vals, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Methods asks the remote side for its exposed methods.
func (c *Caller) Methods(ctx context.Context, done MethodsCompletion) {
	err := c.sender.Send(ctx, message.NewMethods(), func(reply *message.Message) {
		switch reply.Kind {
		case message.KindMethods:
			done(nil, reply.Methods)
		case message.KindError:
			done(remoteError(reply), nil)
		default:
			done(fmt.Errorf("rpc: unexpected %q reply to methods", reply.Kind), nil)
		}
	})
	if err != nil {
		done(fmt.Errorf("rpc: send methods: %w", err), nil)
	}
}

// ListMethods is the blocking form of Methods.
func (c *Caller) ListMethods(ctx context.Context) ([]message.Descriptor, error) {
	type outcome struct {
		methods []message.Descriptor
		err     error
	}
	ch := make(chan outcome, 1)
	c.Methods(ctx, func(err error, methods []message.Descriptor) {
		ch <- outcome{methods, err}
	})

	select {
	case o := <-ch:
		return o.methods, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// remoteError rebuilds the failure carried by an error reply. A reply without a stack gets
// the local one so the error still points somewhere.
func remoteError(reply *message.Message) *message.CallError {
	if reply.Err == nil {
		return &message.CallError{Message: "rpc: error reply without message", Stack: string(debug.Stack())}
	}
	out := *reply.Err
	if out.Stack == "" {
		out.Stack = string(debug.Stack())
	}
	return &out
}
