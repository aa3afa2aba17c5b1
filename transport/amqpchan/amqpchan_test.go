package amqpchan

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"chan-rpc/codec"
	"chan-rpc/message"
	"chan-rpc/transport"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	assert.Equal(t, "math.rpc.exchange", exchangeName("math"))
	assert.Equal(t, "math.rpc.request", requestQueue("math"))
}

func TestContentTypes(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		c := codec.GetCodec(ct)
		back, err := codecFor(contentType(c))
		require.NoError(t, err)
		assert.Equal(t, ct, back.Type())
	}

	c, err := codecFor("")
	require.NoError(t, err)
	assert.Equal(t, codec.CodecTypeJSON, c.Type())

	_, err = codecFor("text/plain")
	assert.Error(t, err)
}

// brokerConn connects to the broker named by AMQP_URL or skips the test.
func brokerConn(t *testing.T) *amqp.Connection {
	t.Helper()
	url := os.Getenv("AMQP_URL")
	if url == "" {
		t.Skip("AMQP_URL not set")
	}
	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRoundTripThroughBroker(t *testing.T) {
	conn := brokerConn(t)
	name := "test-" + uuid.NewString()

	srv, err := NewServer(conn, name, WithQoS(4))
	require.NoError(t, err)
	defer srv.Close()
	srv.OnMessage(func(ctx context.Context, msg *message.Message, reply transport.ReplyFunc) {
		var a, b int
		if err := msg.Args.Scan(&a, &b); err != nil {
			reply(message.ErrorFrom(err))
			return
		}
		res, _ := message.NewResult(a + b)
		reply(res)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	cli, err := NewClient(conn, name)
	require.NoError(t, err)
	defer cli.Close()

	for _, format := range []string{"json", "binary"} {
		require.NoError(t, cli.Format(format))
		msg, err := message.NewCall("add", 2, 3)
		require.NoError(t, err)

		got := make(chan *message.Message, 1)
		require.NoError(t, cli.Send(context.Background(), msg, func(r *message.Message) { got <- r }))
		select {
		case r := <-got:
			require.Equal(t, message.KindResult, r.Kind, format)
			var sum int
			require.NoError(t, r.Args.Scan(&sum))
			assert.Equal(t, 5, sum)
		case <-time.After(5 * time.Second):
			t.Fatalf("%s: no reply", format)
		}
	}
}

func TestCloseFailsPending(t *testing.T) {
	conn := brokerConn(t)
	name := "test-" + uuid.NewString()

	// no server consumes the queue, so the call stays pending
	cli, err := NewClient(conn, name)
	require.NoError(t, err)

	msg, err := message.NewCall("add", 1, 1)
	require.NoError(t, err)
	got := make(chan *message.Message, 1)
	require.NoError(t, cli.Send(context.Background(), msg, func(r *message.Message) { got <- r }))
	require.NoError(t, cli.Close())

	select {
	case r := <-got:
		require.Equal(t, message.KindError, r.Kind)
		assert.Equal(t, transport.ErrClosed.Error(), r.Err.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not failed")
	}
	assert.ErrorIs(t, cli.Send(context.Background(), msg, func(*message.Message) {}), transport.ErrClosed)
}

func TestServeWaitsForAsyncReplies(t *testing.T) {
	conn := brokerConn(t)
	name := "test-" + uuid.NewString()

	srv, err := NewServer(conn, name)
	require.NoError(t, err)
	defer srv.Close()

	invoked := make(chan struct{})
	var replied atomic.Bool
	srv.OnMessage(func(ctx context.Context, msg *message.Message, reply transport.ReplyFunc) {
		close(invoked)
		go func() {
			time.Sleep(100 * time.Millisecond)
			replied.Store(true)
			res, _ := message.NewResult("late")
			reply(res)
		}()
	})
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	cli, err := NewClient(conn, name)
	require.NoError(t, err)
	defer cli.Close()

	msg, err := message.NewCall("slow")
	require.NoError(t, err)
	require.NoError(t, cli.Send(context.Background(), msg, func(*message.Message) {}))

	select {
	case <-invoked:
	case <-time.After(5 * time.Second):
		t.Fatal("request not delivered")
	}
	cancel()

	select {
	case err := <-served:
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, replied.Load(), "Serve returned before the reply was published")
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
