package envelope

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/jsoncodec"
)

// Metadata keys used on watermill messages.
const (
	MetadataConversationID = "courier_conversation_id"
	MetadataInitiatorID    = "courier_initiator_id"
	MetadataType           = "courier_type"
	MetadataKind           = "courier_kind"
	MetadataHeaders        = "courier_headers"
	MetadataHeaderPrefix   = "courier_h_"
)

// Serializer turns payloads into strings and back.
type Serializer interface {
	Serialize(v any) (string, error)
	Deserialize(data string, typ reflect.Type) (any, error)
}

// WireCodec converts envelopes to watermill messages and back. The message
// UUID is the envelope id and the payload is the serialized payload; every
// other field travels as metadata.
type WireCodec struct {
	registry   *Registry
	serializer Serializer
}

// NewWireCodec returns a codec resolving types through registry. A nil
// serializer falls back to jsoncodec.
func NewWireCodec(registry *Registry, serializer Serializer) *WireCodec {
	if serializer == nil {
		serializer = jsoncodec.Codec{}
	}
	return &WireCodec{registry: registry, serializer: serializer}
}

// Marshal encodes env as a watermill message.
func (c *WireCodec) Marshal(env *Envelope) (*message.Message, error) {
	body, err := c.serializer.Serialize(env.Payload())
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", env.ReflectedType(), err)
	}

	msg := message.NewMessage(env.ID(), []byte(body))
	msg.Metadata.Set(MetadataConversationID, env.ConversationID())
	if initiator, ok := env.InitiatorMessageID(); ok {
		msg.Metadata.Set(MetadataInitiatorID, initiator)
	}
	msg.Metadata.Set(MetadataType, env.ReflectedType())
	msg.Metadata.Set(MetadataKind, env.Kind().String())

	keys := env.Headers().Keys()
	if len(keys) > 0 {
		msg.Metadata.Set(MetadataHeaders, strings.Join(keys, ","))
		for key, h := range env.Headers().All() {
			msg.Metadata.Set(MetadataHeaderPrefix+key, h.HeaderValue())
		}
	}
	return msg, nil
}

// Unmarshal rebuilds the envelope carried by msg. Messages that can never be
// decoded yield an UnprocessableError.
func (c *WireCodec) Unmarshal(msg *message.Message) (*Envelope, error) {
	typeName := msg.Metadata.Get(MetadataType)
	if typeName == "" {
		return nil, errspkg.Unprocessable(msg.UUID, errspkg.ErrMessageTypeRequired)
	}
	info, ok := c.registry.Lookup(typeName)
	if !ok {
		return nil, errspkg.Unprocessable(msg.UUID, fmt.Errorf("%w: %s", errspkg.ErrUnknownMessageType, typeName))
	}

	payload, err := c.serializer.Deserialize(string(msg.Payload), info.Type)
	if err != nil {
		return nil, errspkg.Unprocessable(msg.UUID, fmt.Errorf("deserialize %s: %w", typeName, err))
	}

	set := NewHeaderSet()
	if list := msg.Metadata.Get(MetadataHeaders); list != "" {
		for _, key := range strings.Split(list, ",") {
			h, err := DecodeHeader(key, msg.Metadata.Get(MetadataHeaderPrefix+key))
			if err != nil {
				return nil, errspkg.Unprocessable(msg.UUID, err)
			}
			set.AddIfAbsent(h)
		}
	}

	env, err := Restore(Fields{
		ID:                 msg.UUID,
		ConversationID:     msg.Metadata.Get(MetadataConversationID),
		InitiatorMessageID: msg.Metadata.Get(MetadataInitiatorID),
		ReflectedType:      info.Name,
		Kind:               info.Kind,
		Payload:            payload,
		Headers:            set.Headers(),
	})
	if err != nil {
		return nil, errspkg.Unprocessable(msg.UUID, err)
	}
	return env, nil
}
