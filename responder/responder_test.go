package responder

import (
	"context"
	"errors"
	"testing"
	"time"

	"chan-rpc/message"
	"chan-rpc/middleware"
	"chan-rpc/transport"
	"chan-rpc/transport/inmemory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func add(a, b int, done func(error, int)) {
	done(nil, a+b)
}

func sub(a, b int, done func(error, int)) {
	done(nil, a-b)
}

type stackErr struct{}

func (stackErr) Error() string      { return "boom" }
func (stackErr) StackTrace() string { return "at fail (handler.go:1)" }

// dispatch runs one message through Dispatch and returns the reply.
func dispatch(t *testing.T, r *Responder, msg *message.Message) *message.Message {
	t.Helper()
	got := make(chan *message.Message, 2)
	r.Handler()(context.Background(), msg, func(out *message.Message) error {
		got <- out
		return nil
	})
	select {
	case out := <-got:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return nil
	}
}

func call(t *testing.T, r *Responder, name string, args ...any) *message.Message {
	t.Helper()
	msg, err := message.NewCall(name, args...)
	require.NoError(t, err)
	return dispatch(t, r, msg)
}

func TestCallResult(t *testing.T) {
	r := New()
	require.NoError(t, r.Expose("add", add, "a", "b"))
	require.NoError(t, r.Expose("sub", sub, "a", "b"))

	out := call(t, r, "add", 2, 3)
	require.Equal(t, message.KindResult, out.Kind)
	var sum int
	require.NoError(t, out.Args.Scan(&sum))
	assert.Equal(t, 5, sum)

	out = call(t, r, "sub", 2, 3)
	var diff int
	require.NoError(t, out.Args.Scan(&diff))
	assert.Equal(t, -1, diff)
}

func TestCallMultipleResults(t *testing.T) {
	r := New()
	require.NoError(t, r.Expose("split", func(s string, done func(error, string, int)) {
		done(nil, s+"!", len(s))
	}))

	out := call(t, r, "split", "hey")
	var s string
	var n int
	require.NoError(t, out.Args.Scan(&s, &n))
	assert.Equal(t, "hey!", s)
	assert.Equal(t, 3, n)
}

func TestCallWithContext(t *testing.T) {
	r := New()
	require.NoError(t, r.Expose("ctx", func(ctx context.Context, done func(error, bool)) {
		done(nil, ctx != nil)
	}))

	out := call(t, r, "ctx")
	var ok bool
	require.NoError(t, out.Args.Scan(&ok))
	assert.True(t, ok)
}

func TestCallError(t *testing.T) {
	r := New()
	require.NoError(t, r.Expose("fail", func(done func(error)) { done(errors.New("boom")) }))
	require.NoError(t, r.Expose("trace", func(done func(error)) { done(stackErr{}) }))

	out := call(t, r, "fail")
	require.Equal(t, message.KindError, out.Kind)
	assert.Equal(t, "boom", out.Err.Message)
	assert.Empty(t, out.Err.Stack)

	out = call(t, r, "trace")
	require.Equal(t, message.KindError, out.Kind)
	assert.Equal(t, "boom", out.Err.Message)
	assert.Equal(t, "at fail (handler.go:1)", out.Err.Stack)
}

func TestUnknownMethod(t *testing.T) {
	r := New()
	out := call(t, r, "nope")
	require.Equal(t, message.KindError, out.Kind)
	assert.Equal(t, `method "nope" does not exist`, out.Err.Message)
}

func TestMethodRequired(t *testing.T) {
	r := New()
	out := dispatch(t, r, &message.Message{Kind: message.KindCall})
	require.Equal(t, message.KindError, out.Kind)
	assert.Equal(t, ".method required", out.Err.Message)

	out = dispatch(t, r, message.NewError("stray", ""))
	assert.Equal(t, ".method required", out.Err.Message)

	stray, err := message.NewResult(1)
	require.NoError(t, err)
	out = dispatch(t, r, stray)
	assert.Equal(t, ".method required", out.Err.Message)
}

func TestArityMismatch(t *testing.T) {
	r := New()
	require.NoError(t, r.Expose("add", add))

	out := call(t, r, "add", 1)
	require.Equal(t, message.KindError, out.Kind)
	assert.Equal(t, `method "add" expects 2 arguments, got 1`, out.Err.Message)
}

func TestBadArgument(t *testing.T) {
	r := New()
	require.NoError(t, r.Expose("add", add))

	out := call(t, r, "add", "two", 3)
	require.Equal(t, message.KindError, out.Kind)
	assert.Contains(t, out.Err.Message, `method "add": argument 0`)
}

func TestRawHandler(t *testing.T) {
	r := New()
	require.NoError(t, r.Expose("count", HandlerFunc(func(ctx context.Context, args message.Values, done Done) {
		done(nil, args.Len())
	})))

	out := call(t, r, "count", 1, "two", nil)
	var n int
	require.NoError(t, out.Args.Scan(&n))
	assert.Equal(t, 3, n)

	ds := r.Descriptors()
	require.Len(t, ds, 1)
	assert.Equal(t, -1, ds[0].Arity)
}

func TestMethodsIntrospection(t *testing.T) {
	r := New()
	require.NoError(t, r.Expose("add", add, "a", "b"))
	require.NoError(t, r.Expose("sub", sub))

	out := dispatch(t, r, message.NewMethods())
	require.Equal(t, message.KindMethods, out.Kind)
	assert.Equal(t, []message.Descriptor{
		{Name: "add", Params: []string{"a", "b"}, Arity: 2},
		{Name: "sub", Params: []string{}, Arity: 2},
	}, out.Methods)
}

func TestMethodsEmpty(t *testing.T) {
	out := dispatch(t, New(), message.NewMethods())
	require.Equal(t, message.KindMethods, out.Kind)
	assert.Empty(t, out.Methods)
}

func TestReexposeReplaces(t *testing.T) {
	r := New()
	require.NoError(t, r.Expose("add", add))
	require.NoError(t, r.Expose("sub", sub))
	require.NoError(t, r.Expose("add", func(a, b int, done func(error, int)) { done(nil, a*b) }))

	assert.Equal(t, []string{"add", "sub"}, r.Names())

	out := call(t, r, "add", 2, 3)
	var v int
	require.NoError(t, out.Args.Scan(&v))
	assert.Equal(t, 6, v)
}

func TestExposeAllKeepsOrder(t *testing.T) {
	r := New()
	require.NoError(t, r.ExposeAll(
		Method{Name: "sub", Func: sub},
		Method{Name: "add", Func: add, Params: []string{"a", "b"}},
	))
	assert.Equal(t, []string{"sub", "add"}, r.Names())
}

func TestExposeAllIsAtomic(t *testing.T) {
	r := New()
	err := r.ExposeAll(
		Method{Name: "add", Func: add},
		Method{Name: "bad", Func: 42},
	)
	require.Error(t, err)
	assert.Empty(t, r.Names())
}

func TestInvalidHandlers(t *testing.T) {
	r := New()
	cases := map[string]any{
		"not a func":    "x",
		"nil func":      (func(done func(error)))(nil),
		"returns":       func(done func(error)) error { return nil },
		"no completion": func(a int) {},
		"bad done":      func(a int, done func(int)) {},
		"variadic":      func(done func(error), xs ...int) {},
	}
	for name, fn := range cases {
		assert.Error(t, r.Expose("m", fn), name)
	}
	assert.Error(t, r.Expose("", add))
	assert.Error(t, r.Expose("add", add, "only-one"))
	assert.Empty(t, r.Names())
}

type Arith struct{}

func (a *Arith) Add(x, y int, done func(error, int)) { done(nil, x+y) }
func (a *Arith) Mul(x, y int, done func(error, int)) { done(nil, x*y) }
func (a *Arith) Helper() int                         { return 0 }

func TestExposeService(t *testing.T) {
	r := New()
	require.NoError(t, r.ExposeService(&Arith{}))
	assert.Equal(t, []string{"Arith.Add", "Arith.Mul"}, r.Names())

	out := call(t, r, "Arith.Mul", 4, 5)
	var v int
	require.NoError(t, out.Args.Scan(&v))
	assert.Equal(t, 20, v)

	assert.Error(t, r.ExposeService(Arith{}))
	assert.Error(t, r.ExposeService(new(int)))

	type Empty struct{}
	assert.Error(t, r.ExposeService(&Empty{}))
}

func TestDoubleCompletionDropped(t *testing.T) {
	r := New()
	require.NoError(t, r.Expose("twice", func(done func(error, int)) {
		done(nil, 1)
		done(nil, 2)
	}))

	var replies []*message.Message
	r.Dispatch(context.Background(), &message.Message{Kind: message.KindCall, Method: "twice"}, func(out *message.Message) error {
		replies = append(replies, out)
		return nil
	})
	require.Len(t, replies, 1)
	var v int
	require.NoError(t, replies[0].Args.Scan(&v))
	assert.Equal(t, 1, v)
}

func TestUnencodableResult(t *testing.T) {
	r := New()
	require.NoError(t, r.Expose("chan", func(done func(error, chan int)) { done(nil, make(chan int)) }))

	out := call(t, r, "chan")
	require.Equal(t, message.KindError, out.Kind)
	assert.Contains(t, out.Err.Message, `method "chan"`)
}

func TestMiddlewareUse(t *testing.T) {
	r := New(WithMiddleware(middleware.RateLimitMiddleware(1, 1)))
	r.Use(middleware.TimeOutMiddleware(50 * time.Millisecond))
	require.NoError(t, r.Expose("add", add))

	out := call(t, r, "add", 1, 1)
	assert.Equal(t, message.KindResult, out.Kind)

	out = call(t, r, "add", 1, 1)
	assert.Equal(t, "rate limit exceeded", out.Err.Message)
}

func TestMiddlewareTimeout(t *testing.T) {
	r := New()
	r.Use(middleware.TimeOutMiddleware(50 * time.Millisecond))
	require.NoError(t, r.Expose("hang", func(done func(error)) {}))

	out := call(t, r, "hang")
	require.Equal(t, message.KindError, out.Kind)
	assert.Equal(t, "request timed out", out.Err.Message)
}

func TestListenOnPipe(t *testing.T) {
	pipe := inmemory.New()
	defer pipe.Close()

	r := New()
	require.NoError(t, r.Expose("add", add))
	require.NoError(t, r.Listen(pipe))

	msg, err := message.NewCall("add", 20, 22)
	require.NoError(t, err)
	got := make(chan *message.Message, 1)
	require.NoError(t, pipe.Send(context.Background(), msg, func(out *message.Message) { got <- out }))

	select {
	case out := <-got:
		var v int
		require.NoError(t, out.Args.Scan(&v))
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
}

var _ transport.Receiver = (*inmemory.Pipe)(nil)
