package amqpchan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"chan-rpc/codec"
	"chan-rpc/message"
	"chan-rpc/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Client is a transport.Sender publishing to a service's request queue.
type Client struct {
	name       string
	exchange   string
	replyQueue string
	ch         *amqp.Channel

	mu      sync.Mutex // guards codec and publishing on ch
	codec   codec.Codec
	pending sync.Map // correlation id -> transport.ReplyHandler

	closed atomic.Bool
	done   chan struct{}
	log    logrus.FieldLogger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient opens a channel on conn, declares the service exchange and an exclusive reply
// queue, and starts consuming replies.
func NewClient(conn *amqp.Connection, name string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		name:     name,
		exchange: exchangeName(name),
		codec:    codec.GetCodec(codec.CodecTypeJSON),
		done:     make(chan struct{}),
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("service", name)

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqpchan: open channel: %w", err)
	}
	c.ch = ch
	if err := declareExchange(ch, name); err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqpchan: declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqpchan: declare reply queue: %w", err)
	}
	c.replyQueue = q.Name
	if err := ch.QueueBind(q.Name, q.Name, c.exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqpchan: bind reply queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "chan-rpc-client-"+uuid.NewString(), true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqpchan: consume replies: %w", err)
	}
	go c.recvLoop(deliveries)
	return c, nil
}

// Dial connects to the broker at url and returns a Client for service name along with the
// connection it owns. Closing the Client leaves the connection open.
func Dial(url, name string, opts ...ClientOption) (*Client, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqpchan: dial: %w", err)
	}
	c, err := NewClient(conn, name, opts...)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return c, conn, nil
}

// Format switches the body encoding used for subsequent requests.
func (c *Client) Format(name string) error {
	cd, err := codec.ByName(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.codec = cd
	c.mu.Unlock()
	return nil
}

// Send publishes msg to the service's request queue. onReply is registered under a new
// correlation id before publishing.
func (c *Client) Send(ctx context.Context, msg *message.Message, onReply transport.ReplyHandler) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	id := uuid.NewString()
	c.pending.Store(id, onReply)
	if c.closed.Load() {
		c.pending.Delete(id)
		return transport.ErrClosed
	}

	c.mu.Lock()
	body, err := c.codec.Encode(msg)
	if err == nil {
		err = c.ch.Publish(c.exchange, requestQueue(c.name), false, false, amqp.Publishing{
			ContentType:   contentType(c.codec),
			CorrelationId: id,
			ReplyTo:       c.replyQueue,
			Body:          body,
		})
	}
	c.mu.Unlock()

	if err != nil {
		if _, ok := c.pending.LoadAndDelete(id); !ok {
			return nil
		}
		return fmt.Errorf("amqpchan: publish: %w", err)
	}
	c.log.WithField("correlation_id", id).Debugf("sent %s", msg)
	return nil
}

func (c *Client) recvLoop(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		v, ok := c.pending.LoadAndDelete(d.CorrelationId)
		if !ok {
			c.log.WithField("correlation_id", d.CorrelationId).Warn("reply for unknown correlation id")
			continue
		}
		onReply := v.(transport.ReplyHandler)

		reply := new(message.Message)
		cd, err := codecFor(d.ContentType)
		if err == nil {
			err = cd.Decode(d.Body, reply)
		}
		if err != nil {
			reply = message.NewError(fmt.Sprintf("malformed reply: %v", err), "")
		}
		go onReply(reply)
	}

	c.closed.Store(true)
	close(c.done)
	c.pending.Range(func(key, value any) bool {
		if _, ok := c.pending.LoadAndDelete(key); ok {
			go value.(transport.ReplyHandler)(message.ErrorFrom(transport.ErrClosed))
		}
		return true
	})
}

// Done is closed once the reply consumer stops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the AMQP channel. Calls still pending receive an error reply.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ch.Close()
}
