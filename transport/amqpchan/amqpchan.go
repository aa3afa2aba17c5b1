// Package amqpchan carries messages over an AMQP 0-9-1 broker.
//
// Every service name gets a direct exchange "<name>.rpc.exchange" and a request queue
// "<name>.rpc.request" bound to it. A Client publishes requests with ReplyTo set to its own
// exclusive reply queue and a fresh correlation id, and matches replies back by that id.
// A Server consumes the request queue and publishes each reply to the ReplyTo routing key
// on the same exchange.
package amqpchan

import (
	"fmt"

	"chan-rpc/codec"

	"github.com/streadway/amqp"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"
)

func exchangeName(name string) string {
	return name + ".rpc.exchange"
}

func requestQueue(name string) string {
	return name + ".rpc.request"
}

func contentType(c codec.Codec) string {
	if c.Type() == codec.CodecTypeBinary {
		return contentTypeBinary
	}
	return contentTypeJSON
}

// codecFor picks the codec a delivery was encoded with. Missing content types are read as
// JSON.
func codecFor(ct string) (codec.Codec, error) {
	switch ct {
	case contentTypeJSON, "":
		return codec.GetCodec(codec.CodecTypeJSON), nil
	case contentTypeBinary:
		return codec.GetCodec(codec.CodecTypeBinary), nil
	}
	return nil, fmt.Errorf("amqpchan: unsupported content type %q", ct)
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(exchangeName(name), "direct", false, true, false, false, nil)
}
