package wsfeed

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Envelope is one framed message. Body stays encoded until the handler for
// Type decodes it.
type Envelope struct {
	Type string
	ID   string
	Body []byte
}

// Codec frames messages on the wire.
type Codec interface {
	Name() string
	// FrameType is the websocket message type the codec writes.
	FrameType() int
	Encode(msgType, id string, body any) ([]byte, error)
	Decode(data []byte) (Envelope, error)
	DecodeBody(body []byte, v any) error
}

// NewCodec returns the codec registered under name ("json" or "cbor").
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// ======================================================================================
// JSON
// ======================================================================================

// JSONCodec writes text frames.
type JSONCodec struct{}

type jsonEnvelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

func (JSONCodec) Name() string   { return "json" }
func (JSONCodec) FrameType() int { return websocket.TextMessage }

func (JSONCodec) Encode(msgType, id string, body any) ([]byte, error) {
	env := jsonEnvelope{Type: msgType, ID: id}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", msgType, err)
		}
		env.Body = b
	}
	return json.Marshal(env)
}

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: env.Type, ID: env.ID, Body: env.Body}, nil
}

func (JSONCodec) DecodeBody(body []byte, v any) error {
	return json.Unmarshal(body, v)
}

// ======================================================================================
// CBOR
// ======================================================================================

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	cborEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	cborDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// CBORCodec writes binary frames.
type CBORCodec struct{}

type cborEnvelope struct {
	Type string          `cbor:"type"`
	ID   string          `cbor:"id,omitempty"`
	Body cbor.RawMessage `cbor:"body,omitempty"`
}

func (CBORCodec) Name() string   { return "cbor" }
func (CBORCodec) FrameType() int { return websocket.BinaryMessage }

func (CBORCodec) Encode(msgType, id string, body any) ([]byte, error) {
	env := cborEnvelope{Type: msgType, ID: id}
	if body != nil {
		b, err := cborEncMode.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", msgType, err)
		}
		env.Body = b
	}
	return cborEncMode.Marshal(env)
}

func (CBORCodec) Decode(data []byte) (Envelope, error) {
	var env cborEnvelope
	if err := cborDecMode.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: env.Type, ID: env.ID, Body: env.Body}, nil
}

func (CBORCodec) DecodeBody(body []byte, v any) error {
	return cborDecMode.Unmarshal(body, v)
}
