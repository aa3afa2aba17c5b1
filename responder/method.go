package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"chan-rpc/message"
)

// Done is the completion handed to every handler. It must be called exactly once, with a
// non-nil err on failure or with the result values on success.
type Done func(err error, results ...any)

// HandlerFunc is a raw handler. It receives the encoded arguments as they arrived and
// accepts any number of them.
type HandlerFunc func(ctx context.Context, args message.Values, done Done)

// Method describes one entry for ExposeAll.
type Method struct {
	Name   string
	Func   any
	Params []string
}

// method is a registry entry. arity is -1 for raw handlers.
type method struct {
	name   string
	params []string
	arity  int
	call   HandlerFunc
}

func (m *method) descriptor() message.Descriptor {
	params := make([]string, len(m.params))
	copy(params, m.params)
	return message.Descriptor{Name: m.name, Params: params, Arity: m.arity}
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// newMethod adapts fn into a registry entry.
//
// fn is either a HandlerFunc or a func of the shape
//
//	func([ctx context.Context,] a A, b B, ..., done func(error[, R1, R2, ...]))
//
// Arguments are decoded from JSON into the declared parameter types; whatever is passed to
// done after the error becomes the result values.
func newMethod(name string, fn any, params []string) (*method, error) {
	if name == "" {
		return nil, fmt.Errorf("rpc: method name required")
	}
	switch h := fn.(type) {
	case HandlerFunc:
		return &method{name: name, params: params, arity: -1, call: h}, nil
	case func(context.Context, message.Values, Done):
		return &method{name: name, params: params, arity: -1, call: h}, nil
	}

	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func || fv.IsNil() {
		return nil, fmt.Errorf("rpc: %s: handler must be a func, got %T", name, fn)
	}
	ft := fv.Type()
	if ft.NumOut() != 0 {
		return nil, fmt.Errorf("rpc: %s: handler must not return values, use the completion", name)
	}
	if ft.IsVariadic() {
		return nil, fmt.Errorf("rpc: %s: variadic handlers must be HandlerFunc", name)
	}
	n := ft.NumIn()
	if n == 0 {
		return nil, fmt.Errorf("rpc: %s: handler needs a trailing completion func", name)
	}
	doneType := ft.In(n - 1)
	if doneType.Kind() != reflect.Func || doneType.NumIn() < 1 || doneType.In(0) != errorType || doneType.NumOut() != 0 {
		return nil, fmt.Errorf("rpc: %s: last parameter must be func(error, ...), got %s", name, doneType)
	}

	first := 0
	if n > 1 && ft.In(0) == contextType {
		first = 1
	}
	argTypes := make([]reflect.Type, 0, n-1-first)
	for i := first; i < n-1; i++ {
		argTypes = append(argTypes, ft.In(i))
	}
	if params != nil && len(params) != len(argTypes) {
		return nil, fmt.Errorf("rpc: %s: %d parameter names for %d arguments", name, len(params), len(argTypes))
	}

	call := func(ctx context.Context, args message.Values, done Done) {
		in := make([]reflect.Value, 0, n)
		if first == 1 {
			in = append(in, reflect.ValueOf(&ctx).Elem())
		}
		for i, at := range argTypes {
			pv := reflect.New(at)
			if err := json.Unmarshal(args[i], pv.Interface()); err != nil {
				done(fmt.Errorf("method %q: argument %d: %v", name, i, err))
				return
			}
			in = append(in, pv.Elem())
		}
		in = append(in, reflect.MakeFunc(doneType, func(out []reflect.Value) []reflect.Value {
			var err error
			if !out[0].IsNil() {
				err = out[0].Interface().(error)
			}
			done(err, flatten(doneType, out[1:])...)
			return nil
		}))
		fv.Call(in)
	}

	return &method{name: name, params: params, arity: len(argTypes), call: call}, nil
}

// flatten turns completion arguments into result values, expanding a trailing variadic
// slice in place.
func flatten(doneType reflect.Type, vals []reflect.Value) []any {
	out := make([]any, 0, len(vals))
	if doneType.IsVariadic() && len(vals) > 0 {
		last := vals[len(vals)-1]
		for _, v := range vals[:len(vals)-1] {
			out = append(out, v.Interface())
		}
		for i := 0; i < last.Len(); i++ {
			out = append(out, last.Index(i).Interface())
		}
		return out
	}
	for _, v := range vals {
		out = append(out, v.Interface())
	}
	return out
}
