// Package grpcchan carries messages over a single unary gRPC method, /chanrpc.Channel/Send.
//
// The method takes a message and returns its reply. Both are encoded with a JSON codec
// forced on the server and the client, so no generated protobuf code is involved.
package grpcchan

import (
	"encoding/json"
	"fmt"

	"chan-rpc/message"
)

const (
	serviceName = "chanrpc.Channel"
	sendMethod  = "/" + serviceName + "/Send"
)

// jsonCodec implements encoding.Codec for messages.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, fmt.Errorf("grpcchan: cannot marshal %T", v)
	}
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(*message.Message)
	if !ok {
		return fmt.Errorf("grpcchan: cannot unmarshal into %T", v)
	}
	return json.Unmarshal(data, msg)
}

func (jsonCodec) Name() string {
	return "json"
}
