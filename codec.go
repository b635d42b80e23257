package taskbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Encoder defines the interface for message body serialization.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes into v.
	Decode(data []byte, v any) error
}

// JSONEncoder encodes with the standard library and decodes with sonic.
type JSONEncoder struct{}

func (*JSONEncoder) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (*JSONEncoder) Decode(data []byte, v any) error { return sonic.Unmarshal(data, v) }

// TypeField is the discriminator carried by every serialized event.
const TypeField = "@type"

var (
	errNoDiscriminator = errors.New("missing " + TypeField)
	errNotObject       = errors.New("not a JSON object")
	errNoTaskID        = errors.New("missing taskId")
)

// Codec turns events into self-describing message bodies and back.
type Codec struct {
	enc Encoder
}

// NewCodec returns a codec using enc, or JSONEncoder when enc is nil.
func NewCodec(enc Encoder) *Codec {
	if enc == nil {
		enc = &JSONEncoder{}
	}
	return &Codec{enc: enc}
}

var defaultCodec = NewCodec(nil)

// Serialize encodes ev with the default codec.
func Serialize(ev Event) ([]byte, error) { return defaultCodec.Serialize(ev) }

// Deserialize decodes data with the default codec.
func Deserialize(data []byte) (Event, error) { return defaultCodec.Deserialize(data) }

// Serialize encodes ev as a JSON object whose first field is the type tag.
func (c *Codec) Serialize(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, &SerializationError{Type: "<nil>", Err: errors.New("nil event")}
	}
	name := ev.EventType()
	if _, ok := lookupEvent(name); !ok {
		return nil, &SerializationError{Type: name, Err: errors.New("unregistered event type")}
	}
	body, err := c.enc.Encode(ev)
	if err != nil {
		return nil, &SerializationError{Type: name, Err: err}
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, &SerializationError{Type: name, Err: errNotObject}
	}
	tag, _ := json.Marshal(name)
	var out bytes.Buffer
	out.Grow(len(body) + len(tag) + len(TypeField) + 8)
	out.WriteString(`{"` + TypeField + `":`)
	out.Write(tag)
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 0 && rest[0] != '}' {
		out.WriteByte(',')
	}
	out.Write(body[1:])
	return out.Bytes(), nil
}

// Deserialize decodes a body produced by Serialize. Any failure is a
// *DeserializeError.
func (c *Codec) Deserialize(data []byte) (Event, error) {
	var head struct {
		Type string `json:"@type"`
	}
	if err := c.enc.Decode(data, &head); err != nil {
		return nil, &DeserializeError{Payload: data, Err: err}
	}
	if head.Type == "" {
		return nil, &DeserializeError{Payload: data, Err: errNoDiscriminator}
	}
	newEvent, ok := lookupEvent(head.Type)
	if !ok {
		return nil, &DeserializeError{Payload: data, Err: fmt.Errorf("unknown %s %q", TypeField, head.Type)}
	}
	ev := newEvent()
	if err := c.enc.Decode(data, ev); err != nil {
		return nil, &DeserializeError{Payload: data, Err: err}
	}
	if te, ok := ev.(TaskEvent); ok && te.ForTask() == "" {
		return nil, &DeserializeError{Payload: data, Err: errNoTaskID}
	}
	return ev, nil
}
