package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeRequest,
		Seq:       12345,
	}
	body := []byte(`["call","add",1,2]`)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))
	assert.Equal(t, uint32(len(body)), header.BodyLen)

	decodedHeader, decodedBody, err := Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, header.CodecType, decodedHeader.CodecType)
	assert.Equal(t, header.MsgType, decodedHeader.MsgType)
	assert.Equal(t, header.Seq, decodedHeader.Seq)
	assert.Equal(t, header.BodyLen, decodedHeader.BodyLen)
	assert.Equal(t, body, decodedBody)
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeRequest), 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid magic number")
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeHeartbeat,
		Seq:       12345,
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, nil))

	decodedHeader, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeHeartbeat, decodedHeader.MsgType)
	assert.Zero(t, decodedHeader.BodyLen)
	assert.Empty(t, decodedBody)
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF, // bad version
		CodecTypeJSON,
		byte(MsgTypeRequest),
		0, 0, 0, 1, // Seq
		0, 0, 0, 0, // BodyLen
	})

	_, _, err := Decode(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestDecodeInvalidCodecAndType(t *testing.T) {
	frame := func(codecType, msgType byte) *bytes.Buffer {
		return bytes.NewBuffer([]byte{
			MagicNumber, MagicByte2, MagicByte3, Version,
			codecType, msgType,
			0, 0, 0, 1,
			0, 0, 0, 0,
		})
	}

	_, _, err := Decode(frame(9, byte(MsgTypeRequest)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported codec type")

	_, _, err = Decode(frame(CodecTypeJSON, 9))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported message type")
}

func TestDecodeOversizedBody(t *testing.T) {
	head := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, byte(MsgTypeRequest), 0, 0, 0, 1, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(head[10:14], MaxBodyLen+1)

	_, _, err := Decode(bytes.NewReader(head))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "body too large")
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeResponse, Seq: 7}, []byte("hello world")))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, _, err := Decode(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		CodecType: CodecTypeBinary,
		MsgType:   MsgTypeRequest,
		Seq:       999,
	}
	require.NoError(t, Encode(&buf, header, largeBody))

	_, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(decodedBody, largeBody))
}
