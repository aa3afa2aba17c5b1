package amqpchan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chan-rpc/message"
	"chan-rpc/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Server is a transport.Receiver consuming a service's request queue.
type Server struct {
	name     string
	exchange string
	queue    string
	tag      string
	qos      int
	ch       *amqp.Channel

	handler transport.MessageHandler
	pubMu   sync.Mutex
	wg      sync.WaitGroup
	log     logrus.FieldLogger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithQoS limits the number of unacknowledged requests delivered at once. Zero means no limit.
func WithQoS(prefetch int) ServerOption {
	return func(s *Server) { s.qos = prefetch }
}

// WithServerLogger sets the server logger.
func WithServerLogger(log logrus.FieldLogger) ServerOption {
	return func(s *Server) { s.log = log }
}

// NewServer opens a channel on conn and declares the service exchange and request queue.
func NewServer(conn *amqp.Connection, name string, opts ...ServerOption) (*Server, error) {
	s := &Server{
		name:     name,
		exchange: exchangeName(name),
		queue:    requestQueue(name),
		tag:      "chan-rpc-server-" + uuid.NewString(),
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("service", name)

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqpchan: open channel: %w", err)
	}
	s.ch = ch
	if err := declareExchange(ch, name); err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqpchan: declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(s.queue, false, true, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqpchan: declare request queue: %w", err)
	}
	if err := ch.QueueBind(s.queue, s.queue, s.exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqpchan: bind request queue: %w", err)
	}
	if s.qos > 0 {
		if err := ch.Qos(s.qos, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("amqpchan: qos: %w", err)
		}
	}
	return s, nil
}

// OnMessage sets the handler for inbound requests.
func (s *Server) OnMessage(h transport.MessageHandler) {
	s.handler = h
}

// Serve consumes requests until ctx is done or the channel closes. Each request is handled
// in its own goroutine and acknowledged once its reply has been published. Before returning,
// Serve waits until every consumed request has been answered.
func (s *Server) Serve(ctx context.Context) error {
	if s.handler == nil {
		return errors.New("amqpchan: no message handler set")
	}
	deliveries, err := s.ch.Consume(s.queue, s.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqpchan: consume requests: %w", err)
	}
	s.log.WithField("queue", s.queue).Info("consuming requests")

	for {
		select {
		case <-ctx.Done():
			s.ch.Cancel(s.tag, false)
			s.wg.Wait()
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				s.wg.Wait()
				return transport.ErrClosed
			}
			s.wg.Add(1)
			go s.handle(ctx, d)
		}
	}
}

func (s *Server) handle(ctx context.Context, d amqp.Delivery) {
	log := s.log.WithField("correlation_id", d.CorrelationId)

	cd, err := codecFor(d.ContentType)
	if err != nil {
		log.WithError(err).Warn("rejecting request")
		d.Nack(false, false)
		s.wg.Done()
		return
	}

	reply := func(out *message.Message) error {
		defer s.wg.Done()
		defer d.Ack(false)
		body, err := cd.Encode(out)
		if err != nil {
			return fmt.Errorf("encode reply: %w", err)
		}
		s.pubMu.Lock()
		defer s.pubMu.Unlock()
		return s.ch.Publish(s.exchange, d.ReplyTo, false, false, amqp.Publishing{
			ContentType:   d.ContentType,
			CorrelationId: d.CorrelationId,
			Body:          body,
		})
	}
	reply, _ = transport.OnceReply(reply)

	msg := new(message.Message)
	if err := cd.Decode(d.Body, msg); err != nil {
		if err := reply(message.NewError(fmt.Sprintf("malformed message: %v", err), "")); err != nil {
			log.WithError(err).Error("failed to send reply")
		}
		return
	}
	s.handler(ctx, msg, reply)
}

// Close closes the AMQP channel.
func (s *Server) Close() error {
	return s.ch.Close()
}
