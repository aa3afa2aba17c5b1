// Package message defines the tagged-union message exchanged between a caller and a responder.
//
// Every message is identified by its Kind. On the wire (JSON codec) a message is a plain
// field array whose first element is the kind tag:
//
//	["call", "add", 2, 3]        caller → responder
//	["methods"]                  caller → responder
//	["result", 5]                responder → caller
//	["error", "boom", "stack"]   responder → caller
//	["methods", {...}, {...}]    responder → caller
//
// Messages carry no identifier. Pairing a request with its reply is the channel's job.
package message

import (
	"errors"
	"fmt"
)

// Kind is the discriminator tag of a message.
type Kind string

const (
	KindCall    Kind = "call"
	KindMethods Kind = "methods"
	KindError   Kind = "error"
	KindResult  Kind = "result"
)

// ErrMalformed is returned when a decoded message does not match any known shape.
var ErrMalformed = errors.New("message: malformed")

// Message carries a single request or reply.
//
//   - KindCall:    Method names the target, Args holds the encoded arguments.
//   - KindMethods: empty on request; Methods lists the descriptors on reply.
//   - KindResult:  Args holds the encoded result values.
//   - KindError:   Err carries the failure.
type Message struct {
	Kind    Kind
	Method  string
	Args    Values
	Err     *CallError
	Methods []Descriptor
}

// Descriptor describes one exposed method for introspection replies.
//
// Params holds the parameter names supplied when the method was exposed and is empty when
// none were given. Arity is the number of positional arguments, or -1 for raw handlers that
// accept any number.
type Descriptor struct {
	Name   string   `json:"name"`
	Params []string `json:"params"`
	Arity  int      `json:"arity"`
}

// NewCall builds a call message, encoding every argument.
func NewCall(method string, args ...any) (*Message, error) {
	vals, err := EncodeValues(args...)
	if err != nil {
		return nil, fmt.Errorf("encode arguments of %q: %w", method, err)
	}
	return &Message{Kind: KindCall, Method: method, Args: vals}, nil
}

// NewMethods builds an introspection request.
func NewMethods() *Message {
	return &Message{Kind: KindMethods}
}

// NewMethodsReply builds an introspection reply.
func NewMethodsReply(methods []Descriptor) *Message {
	return &Message{Kind: KindMethods, Methods: methods}
}

// NewResult builds a success reply, encoding every result value.
func NewResult(results ...any) (*Message, error) {
	vals, err := EncodeValues(results...)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}
	return &Message{Kind: KindResult, Args: vals}, nil
}

// NewError builds a failure reply. An empty stack is left off the wire.
func NewError(msg, stack string) *Message {
	return &Message{Kind: KindError, Err: &CallError{Message: msg, Stack: stack}}
}

// ErrorFrom converts err into a failure reply, keeping its stack trace when it has one.
func ErrorFrom(err error) *Message {
	return &Message{Kind: KindError, Err: NewCallError(err)}
}

func (m *Message) String() string {
	switch m.Kind {
	case KindCall:
		return fmt.Sprintf("call %s (%d args)", m.Method, len(m.Args))
	case KindMethods:
		return fmt.Sprintf("methods (%d)", len(m.Methods))
	case KindResult:
		return fmt.Sprintf("result (%d values)", len(m.Args))
	case KindError:
		if m.Err != nil {
			return "error: " + m.Err.Message
		}
		return "error"
	}
	return fmt.Sprintf("unknown(%q)", string(m.Kind))
}
