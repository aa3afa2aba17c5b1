package inmemory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"chan-rpc/message"
	"chan-rpc/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func await(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

func TestPipeRoundTrip(t *testing.T) {
	for _, format := range []string{"json", "binary"} {
		t.Run(format, func(t *testing.T) {
			p := New()
			defer p.Close()
			require.NoError(t, p.Format(format))

			p.OnMessage(func(ctx context.Context, msg *message.Message, reply transport.ReplyFunc) {
				res, _ := message.NewResult(msg.Method, msg.Args)
				reply(res)
			})

			call, err := message.NewCall("echo", 1, "two")
			require.NoError(t, err)

			ch := make(chan *message.Message, 1)
			require.NoError(t, p.Send(context.Background(), call, func(r *message.Message) { ch <- r }))

			reply := await(t, ch)
			require.Equal(t, message.KindResult, reply.Kind)
			var method string
			var args []any
			require.NoError(t, reply.Args.Scan(&method, &args))
			assert.Equal(t, "echo", method)
			assert.Equal(t, []any{float64(1), "two"}, args)
		})
	}
}

func TestPipeRepliesOnce(t *testing.T) {
	p := New()
	defer p.Close()

	p.OnMessage(func(ctx context.Context, msg *message.Message, reply transport.ReplyFunc) {
		assert.NoError(t, reply(message.NewError("first", "")))
		assert.ErrorIs(t, reply(message.NewError("second", "")), transport.ErrReplied)
	})

	var count atomic.Int32
	ch := make(chan *message.Message, 2)
	require.NoError(t, p.Send(context.Background(), message.NewMethods(), func(r *message.Message) {
		count.Add(1)
		ch <- r
	}))
	assert.Equal(t, "first", await(t, ch).Err.Message)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestPipeWithoutHandler(t *testing.T) {
	p := New()
	defer p.Close()

	ch := make(chan *message.Message, 1)
	require.NoError(t, p.Send(context.Background(), message.NewMethods(), func(r *message.Message) { ch <- r }))
	reply := await(t, ch)
	require.Equal(t, message.KindError, reply.Kind)
	assert.Equal(t, "no handler registered", reply.Err.Message)
}

func TestPipeThroughput(t *testing.T) {
	p := New(WithThroughput(2))
	defer p.Close()

	var running, peak atomic.Int32
	p.OnMessage(func(ctx context.Context, msg *message.Message, reply transport.ReplyFunc) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		res, _ := message.NewResult()
		reply(res)
	})

	ch := make(chan *message.Message, 6)
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Send(context.Background(), message.NewMethods(), func(r *message.Message) { ch <- r }))
	}
	for i := 0; i < 6; i++ {
		await(t, ch)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPipeClosed(t *testing.T) {
	p := New(WithQueueSize(0))
	p.Close()

	err := p.Send(context.Background(), message.NewMethods(), func(*message.Message) {})
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestPipeCloseAnswersPending(t *testing.T) {
	p := New(WithThroughput(1))

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	p.OnMessage(func(ctx context.Context, msg *message.Message, reply transport.ReplyFunc) {
		started <- struct{}{}
		<-release
		res, _ := message.NewResult()
		reply(res)
	})

	ch := make(chan *message.Message, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Send(context.Background(), message.NewMethods(), func(r *message.Message) { ch <- r }))
	}
	<-started
	require.NoError(t, p.Close())
	close(release)

	var results, closed int
	for i := 0; i < 3; i++ {
		r := await(t, ch)
		switch r.Kind {
		case message.KindResult:
			results++
		case message.KindError:
			assert.Equal(t, transport.ErrClosed.Error(), r.Err.Message)
			closed++
		}
	}
	assert.Equal(t, 1, results)
	assert.Equal(t, 2, closed)
}

func TestPipeRejectsUnknownFormat(t *testing.T) {
	p := New()
	defer p.Close()
	assert.Error(t, p.Format("yaml"))
}
