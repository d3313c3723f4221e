package envelope

import (
	"fmt"
	"strings"
)

// Kind is the closed set of message kinds.
type Kind int

const (
	KindUnknown Kind = iota
	// KindCommand has exactly one logical owner.
	KindCommand
	// KindEvent fans out to zero or more subscribers.
	KindEvent
	// KindRequest expects exactly one Reply.
	KindRequest
	// KindReply answers the Request named by its initiator id.
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "command":
		return KindCommand, nil
	case "event":
		return KindEvent, nil
	case "request":
		return KindRequest, nil
	case "reply":
		return KindReply, nil
	default:
		return KindUnknown, fmt.Errorf("envelope: unknown message kind %q", s)
	}
}

// Kinded is implemented by payloads embedding one of the kind markers.
type Kinded interface {
	messageKind() Kind
}

// Command marks a payload struct as a command when embedded.
type Command struct{}

// Event marks a payload struct as an event when embedded.
type Event struct{}

// Request marks a payload struct as a request when embedded.
type Request struct{}

// Reply marks a payload struct as a reply when embedded.
type Reply struct{}

func (Command) messageKind() Kind { return KindCommand }
func (Event) messageKind() Kind   { return KindEvent }
func (Request) messageKind() Kind { return KindRequest }
func (Reply) messageKind() Kind   { return KindReply }

// KindOf reports the kind a payload declares through an embedded marker.
func KindOf(payload any) Kind {
	if k, ok := payload.(Kinded); ok {
		return k.messageKind()
	}
	return KindUnknown
}
