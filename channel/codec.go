package channel

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes messages for transports that store them as opaque blobs.
type Codec interface {
	// Encode serializes a message.
	Encode(msg *Message) ([]byte, error)

	// Decode deserializes a message.
	Decode(data []byte) (*Message, error)

	// Name returns the codec identifier.
	Name() string
}

// Codec names.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Empty name defaults to JSON.
func GetCodec(name string) (Codec, error) {
	switch name {
	case CodecNameJSON, "":
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec encodes messages as JSON. It is the default: readable on the
// wire and debuggable with standard Redis tooling.
type JSONCodec struct{}

func (JSONCodec) Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

func (JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes messages as MessagePack. Smaller and faster than
// JSON for payload-heavy workloads.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(msg *Message) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func (MsgpackCodec) Decode(data []byte) (*Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }
