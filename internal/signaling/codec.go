package signaling

import (
	"bytes"
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// WebSocket subprotocols that select the outbound codec of a connection.
const (
	SubprotocolJSON    = "warprelay.json"
	SubprotocolMsgpack = "warprelay.msgpack"
)

// Codec converts messages to and from one wire encoding.
type Codec interface {
	Name() string
	// FrameType is the websocket message type used for encoded frames.
	FrameType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// CodecForSubprotocol returns the codec negotiated for a connection.
func CodecForSubprotocol(name string) Codec {
	if name == SubprotocolMsgpack {
		return Msgpack
	}
	return JSON
}

// CodecForFrame returns the codec that decodes an inbound frame.
func CodecForFrame(frameType int) Codec {
	if frameType == websocket.BinaryMessage {
		return Msgpack
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Name() string   { return "json" }
func (jsonCodec) FrameType() int { return websocket.TextMessage }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// msgpackCodec reuses the json struct tags so one set of message types
// serves both encodings.
type msgpackCodec struct{}

func (msgpackCodec) Name() string   { return "msgpack" }
func (msgpackCodec) FrameType() int { return websocket.BinaryMessage }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
