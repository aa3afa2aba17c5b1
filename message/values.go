package message

import (
	"encoding/json"
	"fmt"
)

// Values is an ordered list of JSON-encoded argument or result values.
//
// Values are encoded once when a message is built, so an in-process channel and a network
// channel hand handlers exactly the same bytes.
type Values []json.RawMessage

// EncodeValues encodes vs in order. json.RawMessage values are passed through unchanged.
func EncodeValues(vs ...any) (Values, error) {
	out := make(Values, 0, len(vs))
	for i, v := range vs {
		if raw, ok := v.(json.RawMessage); ok {
			out = append(out, raw)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Len returns the number of values.
func (v Values) Len() int {
	return len(v)
}

// Decode unmarshals the i-th value into dst.
func (v Values) Decode(i int, dst any) error {
	if i < 0 || i >= len(v) {
		return fmt.Errorf("value %d out of range (have %d)", i, len(v))
	}
	if err := json.Unmarshal(v[i], dst); err != nil {
		return fmt.Errorf("value %d: %w", i, err)
	}
	return nil
}

// Scan decodes the leading values into dsts, in order.
func (v Values) Scan(dsts ...any) error {
	if len(dsts) > len(v) {
		return fmt.Errorf("scan %d values: only %d present", len(dsts), len(v))
	}
	for i, dst := range dsts {
		if err := v.Decode(i, dst); err != nil {
			return err
		}
	}
	return nil
}

// Interfaces decodes every value into its generic Go form.
func (v Values) Interfaces() ([]any, error) {
	out := make([]any, len(v))
	for i := range v {
		if err := v.Decode(i, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
