package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes envelopes for the wire.
type Codec interface {
	Name() string
	// Binary reports whether frames must be sent as binary messages.
	Binary() bool
	Marshal(Envelope) ([]byte, error)
	Unmarshal([]byte, *Envelope) error
}

// Codec names accepted by CodecByName.
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// JSONCodec is the default text codec.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Marshal(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", e.Type, err)
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte, e *Envelope) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	return nil
}

// MsgpackCodec is the compact binary codec.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return CodecMsgpack }
func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Marshal(e Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", e.Type, err)
	}
	return data, nil
}

func (MsgpackCodec) Unmarshal(data []byte, e *Envelope) error {
	if err := msgpack.Unmarshal(data, e); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	return nil
}

// CodecByName returns the codec for name. An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec: %s", name)
}
