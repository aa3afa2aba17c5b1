package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"chan-rpc/message"
)

// Binary layout, all integers big-endian:
//
//	kind      1 byte
//	method    2-byte length + bytes
//	values    2-byte count, then 4-byte length + bytes per value
//	error     1-byte flag; when set, 4-byte length + message, 4-byte length + stack
//	methods   4-byte length + JSON array of descriptors
type BinaryCodec struct{}

var kindCodes = map[message.Kind]byte{
	message.KindCall:    0,
	message.KindMethods: 1,
	message.KindError:   2,
	message.KindResult:  3,
}

var codeKinds = map[byte]message.Kind{
	0: message.KindCall,
	1: message.KindMethods,
	2: message.KindError,
	3: message.KindResult,
}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *message.Message
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.Message")
	}
	code, ok := kindCodes[msg.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", message.ErrMalformed, string(msg.Kind))
	}
	if len(msg.Method) > 0xFFFF || len(msg.Args) > 0xFFFF {
		return nil, errors.New("BinaryCodec: method name or value count too large")
	}

	buf := make([]byte, 0, 64)
	buf = append(buf, code)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Method)))
	buf = append(buf, msg.Method...)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Args)))
	for _, a := range msg.Args {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(a)))
		buf = append(buf, a...)
	}

	if msg.Err != nil {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Err.Message)))
		buf = append(buf, msg.Err.Message...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Err.Stack)))
		buf = append(buf, msg.Err.Stack...)
	} else {
		buf = append(buf, 0)
	}

	var methods []byte
	if len(msg.Methods) > 0 {
		var err error
		if methods, err = json.Marshal(msg.Methods); err != nil {
			return nil, err
		}
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(methods)))
	buf = append(buf, methods...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *message.Message
	msg, ok := v.(*message.Message)
	if !ok {
		return errors.New("BinaryCodec: v must be *message.Message")
	}

	r := &reader{data: data}
	kind, ok := codeKinds[r.readByte()]
	if r.err == nil && !ok {
		return fmt.Errorf("%w: unknown kind code", message.ErrMalformed)
	}

	out := message.Message{Kind: kind}
	out.Method = string(r.readBytes(int(r.readUint16())))

	if n := int(r.readUint16()); n > 0 {
		out.Args = make(message.Values, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			v := r.readBytes(int(r.readUint32()))
			if r.err == nil && !json.Valid(v) {
				return fmt.Errorf("%w: value %d is not JSON", message.ErrMalformed, i)
			}
			out.Args = append(out.Args, v)
		}
	}

	switch r.readByte() {
	case 0:
	case 1:
		out.Err = &message.CallError{}
		out.Err.Message = string(r.readBytes(int(r.readUint32())))
		out.Err.Stack = string(r.readBytes(int(r.readUint32())))
	default:
		if r.err == nil {
			return fmt.Errorf("%w: bad error flag", message.ErrMalformed)
		}
	}

	if raw := r.readBytes(int(r.readUint32())); len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.Methods); err != nil {
			return fmt.Errorf("%w: descriptors: %v", message.ErrMalformed, err)
		}
	}
	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return fmt.Errorf("%w: %d trailing bytes", message.ErrMalformed, len(data)-r.off)
	}
	if err := checkShape(&out); err != nil {
		return err
	}
	*msg = out
	return nil
}

// checkShape rejects fields the kind does not carry, matching what the JSON field array
// can express for that tag.
func checkShape(m *message.Message) error {
	var bad string
	switch m.Kind {
	case message.KindCall:
		switch {
		case m.Err != nil:
			bad = "error payload"
		case len(m.Methods) > 0:
			bad = "descriptors"
		}
	case message.KindResult:
		switch {
		case m.Method != "":
			bad = "method name"
		case m.Err != nil:
			bad = "error payload"
		case len(m.Methods) > 0:
			bad = "descriptors"
		}
	case message.KindError:
		switch {
		case m.Err == nil:
			return fmt.Errorf("%w: error reply without message", message.ErrMalformed)
		case m.Method != "":
			bad = "method name"
		case len(m.Args) > 0:
			bad = "values"
		case len(m.Methods) > 0:
			bad = "descriptors"
		}
	case message.KindMethods:
		switch {
		case m.Method != "":
			bad = "method name"
		case len(m.Args) > 0:
			bad = "values"
		case m.Err != nil:
			bad = "error payload"
		}
	}
	if bad != "" {
		return fmt.Errorf("%w: %s message with %s", message.ErrMalformed, m.Kind, bad)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func (c *BinaryCodec) Name() string {
	return "binary"
}

// reader walks a binary body, remembering the first short read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: truncated binary body", message.ErrMalformed)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) readByte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) readUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) readUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// readBytes returns a copy so decoded values do not alias the frame buffer.
func (r *reader) readBytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
