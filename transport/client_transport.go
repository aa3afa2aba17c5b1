package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chan-rpc/codec"
	"chan-rpc/message"
	"chan-rpc/protocol"

	"github.com/sirupsen/logrus"
)

// DefaultHeartbeat is the interval between heartbeat frames on an idle client connection.
const DefaultHeartbeat = 30 * time.Second

// ClientTransport is the caller side of the framed TCP channel. It multiplexes any number
// of concurrent calls over one connection: each request gets a unique seq, and a single
// recvLoop routes every response to the reply handler registered under that seq.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Listener
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → reply handler of goroutine-2
type ClientTransport struct {
	conn    net.Conn
	codec   codec.Codec // protected by sending
	seq     uint32      // protected by sending
	pending sync.Map    // map[uint32]ReplyHandler
	sending sync.Mutex  // serializes whole frames so concurrent writes never interleave
	closed  atomic.Bool
	done    chan struct{}
	log     logrus.FieldLogger
}

// ClientOption configures a ClientTransport.
type ClientOption func(*clientOptions)

type clientOptions struct {
	heartbeat time.Duration
	logger    logrus.FieldLogger
}

// WithHeartbeat sets the heartbeat interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.heartbeat = d }
}

// WithClientLogger sets the logger used by the transport.
func WithClientLogger(l logrus.FieldLogger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// Dial connects to a Listener at addr and returns a ready transport.
func Dial(ctx context.Context, addr string, codecType codec.CodecType, opts ...ClientOption) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClientTransport(conn, codecType, opts...), nil
}

// NewClientTransport wraps conn and starts two background goroutines:
//   - recvLoop: reads responses and dispatches them to pending reply handlers
//   - heartbeatLoop: sends periodic heartbeat frames so idle connections stay open
func NewClientTransport(conn net.Conn, codecType codec.CodecType, opts ...ClientOption) *ClientTransport {
	o := clientOptions{heartbeat: DefaultHeartbeat, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	t := &ClientTransport{
		conn:  conn,
		codec: codec.GetCodec(codecType),
		done:  make(chan struct{}),
		log:   o.logger.WithField("addr", conn.RemoteAddr().String()),
	}
	go t.recvLoop()
	if o.heartbeat > 0 {
		go t.heartbeatLoop(o.heartbeat)
	}
	return t
}

// Format switches the body encoding used for subsequent requests.
func (t *ClientTransport) Format(name string) error {
	c, err := codec.ByName(name)
	if err != nil {
		return err
	}
	t.sending.Lock()
	t.codec = c
	t.sending.Unlock()
	return nil
}

// Send encodes msg, writes it as one frame and registers onReply under the frame's seq.
//
// The reply handler is registered before the write so a fast response can never race
// past it.
func (t *ClientTransport) Send(ctx context.Context, msg *message.Message, onReply ReplyHandler) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	body, err := t.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind, err)
	}

	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}

	t.pending.Store(seq, onReply)
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		if _, ok := t.pending.LoadAndDelete(seq); !ok {
			// closeAllPending already answered this call.
			return nil
		}
		return fmt.Errorf("write frame: %w", err)
	}
	t.log.WithFields(logrus.Fields{"seq": seq, "kind": msg.Kind}).Debug("request sent")
	return nil
}

// recvLoop is the only reader of the connection; frame boundaries can only be parsed
// sequentially. Responses may arrive in any order.
func (t *ClientTransport) recvLoop() {
	defer close(t.done)
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			if t.closed.Swap(true) {
				err = ErrClosed
			} else {
				t.log.WithError(err).Debug("connection lost")
				t.conn.Close()
			}
			t.closeAllPending(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		value, ok := t.pending.LoadAndDelete(header.Seq)
		if !ok {
			t.log.WithField("seq", header.Seq).Warn("response for unknown seq")
			continue
		}
		onReply := value.(ReplyHandler)

		reply := &message.Message{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, reply); err != nil {
			reply = message.NewError(fmt.Sprintf("malformed reply: %v", err), "")
		}
		go onReply(reply)
	}
}

// closeAllPending fails every pending call so no caller waits forever on a dead connection.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			go value.(ReplyHandler)(message.NewError(err.Error(), ""))
		}
		return true
	})
}

// heartbeatLoop sends heartbeat frames, which have no body, until the transport closes.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: protocol.CodecTypeJSON,
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}

// Closed reports whether the connection is no longer usable.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

// Done is closed once the receive loop has exited.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Close closes the connection. Pending calls receive an error reply.
func (t *ClientTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}
