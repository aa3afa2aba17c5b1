package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"chan-rpc/codec"
	"chan-rpc/message"
	"chan-rpc/protocol"

	"github.com/sirupsen/logrus"
)

// Listener is the responder side of the framed TCP channel.
//
// Each connection has a single reader goroutine (frames must be parsed sequentially), but
// every request is dispatched on its own goroutine so a slow handler never blocks the
// requests behind it. Replies carry the seq and codec of their request.
type Listener struct {
	listener    net.Listener
	handler     MessageHandler
	wg          sync.WaitGroup // in-flight requests, waited on by Shutdown
	shutdown    atomic.Bool
	conns       sync.Map // net.Conn -> context.CancelFunc
	idleTimeout time.Duration
	log         logrus.FieldLogger
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithIdleTimeout closes connections that send nothing, heartbeats included, for d.
func WithIdleTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) { l.idleTimeout = d }
}

// WithListenerLogger sets the logger used by the listener.
func WithListenerLogger(log logrus.FieldLogger) ListenerOption {
	return func(l *Listener) { l.log = log }
}

// Listen announces on the local network address.
func Listen(network, address string, opts ...ListenerOption) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return NewListener(ln, opts...), nil
}

// NewListener serves the framed channel on an existing net.Listener.
func NewListener(ln net.Listener, opts ...ListenerOption) *Listener {
	l := &Listener{listener: ln, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnMessage sets the handler for inbound messages. It must be called before Serve.
func (l *Listener) OnMessage(h MessageHandler) {
	l.handler = h
}

// Addr returns the listen address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve runs the accept loop, one goroutine per connection. It returns nil after Shutdown.
func (l *Listener) Serve() error {
	if l.handler == nil {
		return errors.New("transport: no message handler registered")
	}
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			// listener.Close() during Shutdown makes Accept fail; the flag tells the two apart.
			if l.shutdown.Load() {
				return nil
			}
			return err
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	l.conns.Store(conn, cancel)
	defer func() {
		l.conns.Delete(conn)
		cancel()
		conn.Close()
	}()

	log := l.log.WithField("remote", conn.RemoteAddr().String())
	writeMu := &sync.Mutex{} // shared by every request on this conn
	for {
		if l.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.idleTimeout))
		}
		header, body, err := protocol.Decode(conn)
		if err != nil {
			log.WithError(err).Debug("connection closed")
			return
		}

		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}

		l.wg.Add(1)
		go l.handleRequest(ctx, header, body, conn, writeMu, log)
	}
}

// handleRequest decodes one request and hands it to the handler with a reply func bound
// to the request's seq. The in-flight count is released when the reply goes out, which
// may happen after this function returns.
func (l *Listener) handleRequest(ctx context.Context, header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex, log logrus.FieldLogger) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	log = log.WithField("seq", header.Seq)

	write := func(reply *message.Message) error {
		defer l.wg.Done()
		data, err := c.Encode(reply)
		if err != nil {
			log.WithError(err).Error("failed to encode reply")
			data, _ = c.Encode(message.NewError("encode reply: "+err.Error(), ""))
		}
		replyHeader := protocol.Header{
			CodecType: header.CodecType,
			MsgType:   protocol.MsgTypeResponse,
			Seq:       header.Seq,
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := protocol.Encode(conn, &replyHeader, data); err != nil {
			log.WithError(err).Warn("failed to write reply")
			return err
		}
		return nil
	}
	reply, replied := OnceReply(write)

	msg := &message.Message{}
	if err := c.Decode(body, msg); err != nil {
		reply(message.NewError(fmt.Sprintf("malformed message: %v", err), ""))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("handler panicked")
			if !replied() {
				reply(message.NewError(fmt.Sprintf("panic: %v", r), string(debug.Stack())))
			}
		}
	}()
	l.handler(ctx, msg, reply)
}

// Shutdown stops accepting connections and waits for in-flight requests to be answered.
// Connections are closed once the wait ends.
func (l *Listener) Shutdown(timeout time.Duration) error {
	// Set the flag before closing so Serve sees an intentional close.
	l.shutdown.Store(true)
	err := l.listener.Close()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	defer l.conns.Range(func(key, value any) bool {
		value.(context.CancelFunc)()
		key.(net.Conn).Close()
		return true
	})

	select {
	case <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}
