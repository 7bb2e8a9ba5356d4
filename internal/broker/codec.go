package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes messages for drivers that carry raw bytes.
type Codec interface {
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
	Name() string
}

const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Empty selects JSON.
func GetCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case CodecNameJSON, "":
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec keeps messages readable with broker CLIs (nats sub, redis-cli).
type JSONCodec struct{}

func (JSONCodec) Encode(m Message) ([]byte, error) { return json.Marshal(m) }

func (JSONCodec) Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode json message: %w", err)
	}
	return m, nil
}

func (JSONCodec) Name() string { return CodecNameJSON }

type MsgpackCodec struct{}

func (MsgpackCodec) Encode(m Message) ([]byte, error) { return msgpack.Marshal(&m) }

func (MsgpackCodec) Decode(data []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode msgpack message: %w", err)
	}
	return m, nil
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }
