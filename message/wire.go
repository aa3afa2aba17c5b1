package message

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes m as its wire field array.
func (m *Message) MarshalJSON() ([]byte, error) {
	fields := []any{string(m.Kind)}
	switch m.Kind {
	case KindCall:
		if m.Method != "" || len(m.Args) > 0 {
			fields = append(fields, m.Method)
		}
		for _, a := range m.Args {
			fields = append(fields, a)
		}
	case KindResult:
		for _, a := range m.Args {
			fields = append(fields, a)
		}
	case KindError:
		if m.Err == nil {
			return nil, fmt.Errorf("%w: error message without payload", ErrMalformed)
		}
		fields = append(fields, m.Err.Message)
		if m.Err.Stack != "" {
			fields = append(fields, m.Err.Stack)
		}
	case KindMethods:
		for _, d := range m.Methods {
			if d.Params == nil {
				d.Params = []string{}
			}
			fields = append(fields, d)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, string(m.Kind))
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes a wire field array, rejecting shapes that do not match the tag.
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty field list", ErrMalformed)
	}
	var tag string
	if err := json.Unmarshal(fields[0], &tag); err != nil {
		return fmt.Errorf("%w: tag is not a string", ErrMalformed)
	}

	out := Message{Kind: Kind(tag)}
	rest := fields[1:]
	switch out.Kind {
	case KindCall:
		if len(rest) > 0 {
			method, err := optionalString(rest[0])
			if err != nil {
				return fmt.Errorf("%w: method name: %v", ErrMalformed, err)
			}
			out.Method = method
			out.Args = Values(rest[1:])
		}
	case KindResult:
		out.Args = Values(rest)
	case KindError:
		if len(rest) == 0 {
			return fmt.Errorf("%w: error reply without message", ErrMalformed)
		}
		msg, err := optionalString(rest[0])
		if err != nil {
			return fmt.Errorf("%w: error message: %v", ErrMalformed, err)
		}
		out.Err = &CallError{Message: msg}
		if len(rest) > 1 {
			stack, err := optionalString(rest[1])
			if err != nil {
				return fmt.Errorf("%w: error stack: %v", ErrMalformed, err)
			}
			out.Err.Stack = stack
		}
	case KindMethods:
		for i, raw := range rest {
			if !isObject(raw) {
				return fmt.Errorf("%w: descriptor %d is not an object", ErrMalformed, i)
			}
			var d Descriptor
			if err := json.Unmarshal(raw, &d); err != nil {
				return fmt.Errorf("%w: descriptor %d: %v", ErrMalformed, i, err)
			}
			out.Methods = append(out.Methods, d)
		}
	default:
		return fmt.Errorf("%w: unknown tag %q", ErrMalformed, tag)
	}
	*m = out
	return nil
}

// optionalString accepts a JSON string or null.
func optionalString(raw json.RawMessage) (string, error) {
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	if s == nil {
		return "", nil
	}
	return *s, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
