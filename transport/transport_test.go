package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"chan-rpc/codec"
	"chan-rpc/message"
	"chan-rpc/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sumHandler answers ["call","sum",a,b] with ["result",a+b] and fails everything else.
func sumHandler(ctx context.Context, msg *message.Message, reply ReplyFunc) {
	if msg.Kind != message.KindCall || msg.Method != "sum" {
		reply(message.NewError("unsupported", ""))
		return
	}
	var a, b int
	if err := msg.Args.Scan(&a, &b); err != nil {
		reply(message.ErrorFrom(err))
		return
	}
	res, _ := message.NewResult(a + b)
	reply(res)
}

func startListener(t *testing.T, h MessageHandler) *Listener {
	t.Helper()
	l, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l.OnMessage(h)
	go l.Serve()
	t.Cleanup(func() { l.Shutdown(time.Second) })
	return l
}

func dial(t *testing.T, l *Listener, codecType codec.CodecType) *ClientTransport {
	t.Helper()
	ct, err := Dial(context.Background(), l.Addr().String(), codecType, WithHeartbeat(0))
	require.NoError(t, err)
	t.Cleanup(func() { ct.Close() })
	return ct
}

// roundTrip sends msg and waits for its reply.
func roundTrip(t *testing.T, s Sender, msg *message.Message) *message.Message {
	t.Helper()
	ch := make(chan *message.Message, 1)
	require.NoError(t, s.Send(context.Background(), msg, func(reply *message.Message) { ch <- reply }))
	select {
	case reply := <-ch:
		return reply
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

func sumCall(t *testing.T, a, b int) *message.Message {
	msg, err := message.NewCall("sum", a, b)
	require.NoError(t, err)
	return msg
}

func TestClientTransportSerial(t *testing.T) {
	ct := dial(t, startListener(t, sumHandler), codec.CodecTypeJSON)

	cases := []struct{ a, b, expect int }{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	}
	for _, tc := range cases {
		reply := roundTrip(t, ct, sumCall(t, tc.a, tc.b))
		require.Equal(t, message.KindResult, reply.Kind, reply.String())

		var got int
		require.NoError(t, reply.Args.Decode(0, &got))
		assert.Equal(t, tc.expect, got)
	}
}

// Many goroutines share one connection; each reply must reach its own caller.
func TestClientTransportConcurrent(t *testing.T) {
	ct := dial(t, startListener(t, sumHandler), codec.CodecTypeJSON)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			msg, _ := message.NewCall("sum", n, n)
			ch := make(chan *message.Message, 1)
			if err := ct.Send(context.Background(), msg, func(r *message.Message) { ch <- r }); err != nil {
				t.Errorf("send failed: %v", err)
				return
			}
			reply := <-ch
			var got int
			if err := reply.Args.Decode(0, &got); err != nil {
				t.Errorf("decode failed: %v", err)
				return
			}
			if got != n*2 {
				t.Errorf("expect %d, got %d", n*2, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestClientTransportFormat(t *testing.T) {
	ct := dial(t, startListener(t, sumHandler), codec.CodecTypeJSON)
	require.NoError(t, ct.Format("binary"))
	assert.Error(t, ct.Format("xml"))

	reply := roundTrip(t, ct, sumCall(t, 5, 7))
	var got int
	require.NoError(t, reply.Args.Decode(0, &got))
	assert.Equal(t, 12, got)
}

func TestListenerRepliesToMalformedBody(t *testing.T) {
	l := startListener(t, sumHandler)
	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	header := protocol.Header{CodecType: protocol.CodecTypeJSON, MsgType: protocol.MsgTypeRequest, Seq: 42}
	require.NoError(t, protocol.Encode(conn, &header, []byte(`["bogus"]`)))

	replyHeader, body, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), replyHeader.Seq)
	assert.Equal(t, protocol.MsgTypeResponse, replyHeader.MsgType)

	var reply message.Message
	require.NoError(t, (&codec.JSONCodec{}).Decode(body, &reply))
	require.Equal(t, message.KindError, reply.Kind)
	assert.Contains(t, reply.Err.Message, "malformed message")
}

func TestListenerRecoversHandlerPanic(t *testing.T) {
	ct := dial(t, startListener(t, func(ctx context.Context, msg *message.Message, reply ReplyFunc) {
		panic("kaboom")
	}), codec.CodecTypeJSON)

	reply := roundTrip(t, ct, sumCall(t, 1, 1))
	require.Equal(t, message.KindError, reply.Kind)
	assert.Equal(t, "panic: kaboom", reply.Err.Message)
	assert.NotEmpty(t, reply.Err.Stack)
}

func TestCloseFailsPendingCalls(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	ct := dial(t, startListener(t, func(ctx context.Context, msg *message.Message, reply ReplyFunc) {
		<-block
	}), codec.CodecTypeJSON)

	ch := make(chan *message.Message, 1)
	require.NoError(t, ct.Send(context.Background(), sumCall(t, 1, 2), func(r *message.Message) { ch <- r }))
	require.NoError(t, ct.Close())

	select {
	case reply := <-ch:
		require.Equal(t, message.KindError, reply.Kind)
		assert.Equal(t, ErrClosed.Error(), reply.Err.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed")
	}

	assert.ErrorIs(t, ct.Send(context.Background(), sumCall(t, 1, 2), func(*message.Message) {}), ErrClosed)
}

func TestOnceReply(t *testing.T) {
	var calls int
	reply, replied := OnceReply(func(*message.Message) error {
		calls++
		return nil
	})
	assert.False(t, replied())
	assert.NoError(t, reply(message.NewError("a", "")))
	assert.ErrorIs(t, reply(message.NewError("b", "")), ErrReplied)
	assert.True(t, replied())
	assert.Equal(t, 1, calls)
}

func TestRequestFormat(t *testing.T) {
	assert.NoError(t, RequestFormat(struct{}{}, "json"))
}
