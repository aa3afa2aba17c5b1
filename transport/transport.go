// Package transport defines the channel contract the caller and responder are built on,
// and provides the framed TCP channel.
//
// A channel pairs every outbound message with exactly one inbound reply. The protocol
// carries no identifiers of its own, so each implementation correlates calls in its own
// way: the TCP channel by frame seq, the AMQP channel by correlation id, the gRPC and HTTP
// channels by their request/response exchange, the in-memory channel by closure.
package transport

import (
	"context"
	"errors"
	"sync/atomic"

	"chan-rpc/message"
)

// ErrClosed is returned by Send on a channel that has been closed.
var ErrClosed = errors.New("transport: channel closed")

//go:generate mockgen -destination=mock_transport/mock_transport.go -package=mock_transport chan-rpc/transport Sender,Receiver

// ReplyHandler receives the single reply to a sent message.
type ReplyHandler func(reply *message.Message)

// ReplyFunc sends a reply back to the sender of an inbound message.
type ReplyFunc func(reply *message.Message) error

// MessageHandler is invoked once per inbound message.
type MessageHandler func(ctx context.Context, msg *message.Message, reply ReplyFunc)

// Sender transmits a message and arranges for onReply to be called exactly once with
// the matching reply. A non-nil error means the message never left and onReply will not
// be called.
type Sender interface {
	Send(ctx context.Context, msg *message.Message, onReply ReplyHandler) error
}

// Receiver delivers inbound messages to a handler.
type Receiver interface {
	OnMessage(h MessageHandler)
}

// Formatter is implemented by channels that accept an encoding hint such as "json".
type Formatter interface {
	Format(name string) error
}

// RequestFormat applies an encoding hint when the channel supports one.
func RequestFormat(ch any, name string) error {
	if f, ok := ch.(Formatter); ok {
		return f.Format(name)
	}
	return nil
}

// ErrReplied is returned when a message has already been answered.
var ErrReplied = errors.New("transport: message already replied")

// OnceReply wraps reply so only the first call goes through; later calls return
// ErrReplied. The returned func reports whether a reply has been sent.
func OnceReply(reply ReplyFunc) (ReplyFunc, func() bool) {
	var done atomic.Bool
	once := func(msg *message.Message) error {
		if done.Swap(true) {
			return ErrReplied
		}
		return reply(msg)
	}
	return once, done.Load
}
