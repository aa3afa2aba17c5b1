package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"chan-rpc/message"
)

// JSONCodec encodes a *message.Message as its field array, e.g. ["call","add",2,3].
// This is the form the caller requests through Format("json").
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode reads exactly one JSON value. A frame body with anything after the message
// is rejected as malformed.
func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON value", message.ErrMalformed)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func (c *JSONCodec) Name() string {
	return "json"
}
