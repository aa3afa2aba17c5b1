package message

import "errors"

// CallError carries a failure across the channel. It is rebuilt on the caller side and
// delivered through the completion's error argument.
type CallError struct {
	Message string
	Stack   string
}

func (e *CallError) Error() string {
	return e.Message
}

// StackTrace returns the diagnostic trace attached to the error, if any.
func (e *CallError) StackTrace() string {
	return e.Stack
}

// StackTracer is implemented by errors that carry diagnostic trace text.
type StackTracer interface {
	StackTrace() string
}

// NewCallError converts err into a CallError. The stack is taken from the first error in
// the chain that implements StackTracer.
func NewCallError(err error) *CallError {
	out := &CallError{Message: err.Error()}
	var st StackTracer
	if errors.As(err, &st) {
		out.Stack = st.StackTrace()
	}
	return out
}
