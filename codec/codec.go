// Package codec serializes messages into frame bodies.
//
// The JSON codec produces the field-array wire form shared with other implementations of the
// protocol. The Binary codec is a compact length-prefixed alternative for Go-to-Go links.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
	Name() string
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ByName resolves an encoding hint such as "json" to a codec.
func ByName(name string) (Codec, error) {
	switch name {
	case "json", "":
		return &JSONCodec{}, nil
	case "binary":
		return &BinaryCodec{}, nil
	}
	return nil, fmt.Errorf("codec: unknown format %q", name)
}
