// Package envelope defines the immutable message envelope, its kinds, endpoint
// identities and typed headers, the factory that creates envelopes with
// conversation tracking, and the codec carrying them across the wire.
package envelope

import (
	"fmt"
	"time"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
)

// Envelope wraps a payload with its correlation data. It is immutable once
// created; all fields are reachable through accessors only.
type Envelope struct {
	id             string
	conversationID string
	initiatorID    string
	reflectedType  string
	kind           Kind
	payload        any
	headers        Headers
}

// Fields holds the raw values of an envelope. It is used to restore envelopes
// read from the wire or from storage.
type Fields struct {
	ID                 string
	ConversationID     string
	InitiatorMessageID string
	ReflectedType      string
	Kind               Kind
	Payload            any
	Headers            Headers
}

// Restore rebuilds an envelope from its fields.
func Restore(f Fields) (*Envelope, error) {
	if f.ID == "" || f.ConversationID == "" {
		return nil, fmt.Errorf("envelope: id and conversation id are required")
	}
	if f.ReflectedType == "" {
		return nil, errspkg.ErrMessageTypeRequired
	}
	if f.Kind == KindUnknown {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrMessageKindUnknown, f.ReflectedType)
	}
	if f.Payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	return &Envelope{
		id:             f.ID,
		conversationID: f.ConversationID,
		initiatorID:    f.InitiatorMessageID,
		reflectedType:  f.ReflectedType,
		kind:           f.Kind,
		payload:        f.Payload,
		headers:        f.Headers,
	}, nil
}

// ID is the globally unique message id.
func (e *Envelope) ID() string { return e.id }

// ConversationID is shared by every message causally derived from one root.
func (e *Envelope) ConversationID() string { return e.conversationID }

// InitiatorMessageID returns the id of the message being handled when this one
// was created. ok is false for root messages.
func (e *Envelope) InitiatorMessageID() (id string, ok bool) {
	return e.initiatorID, e.initiatorID != ""
}

// ReflectedType is the logical type name used to route and decode the payload.
func (e *Envelope) ReflectedType() string { return e.reflectedType }

func (e *Envelope) Kind() Kind { return e.kind }

func (e *Envelope) Payload() any { return e.payload }

func (e *Envelope) Headers() Headers { return e.headers }

// Sender returns the identity recorded in the sender header.
func (e *Envelope) Sender() (Identity, bool) {
	h, ok := Find[SenderHeader](e.headers)
	return h.Identity, ok
}

// Destination returns the identity recorded in the destination header.
func (e *Envelope) Destination() (Identity, bool) {
	h, ok := Find[DestinationHeader](e.headers)
	return h.Identity, ok
}

// CreatedAt is the creation time embedded in the id.
func (e *Envelope) CreatedAt() time.Time {
	t, _ := idspkg.Time(e.id)
	return t
}

// Fields returns a copy of the envelope's values.
func (e *Envelope) Fields() Fields {
	return Fields{
		ID:                 e.id,
		ConversationID:     e.conversationID,
		InitiatorMessageID: e.initiatorID,
		ReflectedType:      e.reflectedType,
		Kind:               e.kind,
		Payload:            e.payload,
		Headers:            e.headers,
	}
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s %s %s (conversation %s)", e.kind, e.reflectedType, e.id, e.conversationID)
}
