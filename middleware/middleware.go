// Package middleware wraps responder dispatch.
//
// A HandlerFunc receives one inbound message and a reply func. Middlewares see the
// message on the way in and the reply on the way out by wrapping reply.
package middleware

import (
	"context"

	"chan-rpc/message"
	"chan-rpc/transport"
)

type HandlerFunc func(ctx context.Context, msg *message.Message, reply transport.ReplyFunc)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, onion style:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//
// A sees the request first and the reply last.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// label names a message in logs and metrics.
func label(msg *message.Message) string {
	if msg.Kind == message.KindCall {
		return msg.Method
	}
	return string(msg.Kind)
}
