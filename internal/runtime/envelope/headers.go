package envelope

import (
	"fmt"
	"iter"
	"strings"
	"sync"
)

// Well-known header keys.
const (
	SenderKey        = "sender"
	DestinationKey   = "destination"
	AuthorizationKey = "authorization"
)

// Header is a typed header record. Keys are compared case-insensitively.
type Header interface {
	HeaderKey() string
	HeaderValue() string
}

// SenderHeader carries the identity of the endpoint that created a message.
type SenderHeader struct {
	Identity Identity
}

func (SenderHeader) HeaderKey() string     { return SenderKey }
func (h SenderHeader) HeaderValue() string { return h.Identity.String() }

// DestinationHeader addresses a message to one endpoint instance. Replies carry
// it so they reach the requesting instance.
type DestinationHeader struct {
	Identity Identity
}

func (DestinationHeader) HeaderKey() string     { return DestinationKey }
func (h DestinationHeader) HeaderValue() string { return h.Identity.String() }

// AuthorizationHeader carries end-user credentials across a conversation.
type AuthorizationHeader struct {
	Scheme      string
	Credentials string
}

func (AuthorizationHeader) HeaderKey() string { return AuthorizationKey }

func (h AuthorizationHeader) HeaderValue() string {
	if h.Scheme == "" {
		return h.Credentials
	}
	return h.Scheme + " " + h.Credentials
}

// TextHeader is a free-form header. Unknown wire headers decode into it.
type TextHeader struct {
	Key   string
	Value string
}

func (h TextHeader) HeaderKey() string   { return h.Key }
func (h TextHeader) HeaderValue() string { return h.Value }

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Headers is an immutable, insertion-ordered set of header records with unique
// keys.
type Headers struct {
	keys   []string
	values map[string]Header
}

// Len returns the number of headers.
func (h Headers) Len() int { return len(h.keys) }

// Get returns the header stored under key.
func (h Headers) Get(key string) (Header, bool) {
	v, ok := h.values[normalizeKey(key)]
	return v, ok
}

// Value returns the rendered value stored under key.
func (h Headers) Value(key string) (string, bool) {
	v, ok := h.Get(key)
	if !ok {
		return "", false
	}
	return v.HeaderValue(), true
}

// Keys returns the header keys in insertion order.
func (h Headers) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// All iterates the headers in insertion order.
func (h Headers) All() iter.Seq2[string, Header] {
	return func(yield func(string, Header) bool) {
		for _, k := range h.keys {
			if !yield(k, h.values[k]) {
				return
			}
		}
	}
}

// Find returns the first header of type T.
func Find[T Header](h Headers) (T, bool) {
	for _, v := range h.All() {
		if typed, ok := v.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}

// HeaderSet accumulates headers with write-once semantics: the first header
// added under a key wins and later additions are ignored.
type HeaderSet struct {
	keys   []string
	values map[string]Header
}

// NewHeaderSet returns an empty set.
func NewHeaderSet() *HeaderSet {
	return &HeaderSet{values: make(map[string]Header)}
}

// AddIfAbsent stores h unless its key is already present. It reports whether
// h was stored.
func (s *HeaderSet) AddIfAbsent(h Header) bool {
	if h == nil {
		return false
	}
	key := normalizeKey(h.HeaderKey())
	if key == "" {
		return false
	}
	if _, exists := s.values[key]; exists {
		return false
	}
	s.keys = append(s.keys, key)
	s.values[key] = h
	return true
}

// Contains reports whether a header is stored under key.
func (s *HeaderSet) Contains(key string) bool {
	_, ok := s.values[normalizeKey(key)]
	return ok
}

// Len returns the number of stored headers.
func (s *HeaderSet) Len() int { return len(s.keys) }

// Headers returns an immutable snapshot.
func (s *HeaderSet) Headers() Headers {
	h := Headers{
		keys:   make([]string, len(s.keys)),
		values: make(map[string]Header, len(s.values)),
	}
	copy(h.keys, s.keys)
	for k, v := range s.values {
		h.values[k] = v
	}
	return h
}

// HeadersOf builds Headers from records with first-writer-wins semantics.
func HeadersOf(records ...Header) Headers {
	set := NewHeaderSet()
	for _, r := range records {
		set.AddIfAbsent(r)
	}
	return set.Headers()
}

// HeaderDecoder reconstructs a typed header from its wire value.
type HeaderDecoder func(value string) (Header, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[string]HeaderDecoder{
		SenderKey: func(value string) (Header, error) {
			id, err := ParseIdentity(value)
			if err != nil {
				return nil, err
			}
			return SenderHeader{Identity: id}, nil
		},
		DestinationKey: func(value string) (Header, error) {
			id, err := ParseIdentity(value)
			if err != nil {
				return nil, err
			}
			return DestinationHeader{Identity: id}, nil
		},
		AuthorizationKey: func(value string) (Header, error) {
			scheme, credentials, ok := strings.Cut(value, " ")
			if !ok {
				return AuthorizationHeader{Credentials: value}, nil
			}
			return AuthorizationHeader{Scheme: scheme, Credentials: credentials}, nil
		},
	}
)

// RegisterHeaderDecoder installs the decoder used for key when envelopes are
// read off the wire.
func RegisterHeaderDecoder(key string, decoder HeaderDecoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[normalizeKey(key)] = decoder
}

// DecodeHeader rebuilds a typed header. Keys without a decoder become a
// TextHeader.
func DecodeHeader(key, value string) (Header, error) {
	key = normalizeKey(key)
	decodersMu.RLock()
	decoder, ok := decoders[key]
	decodersMu.RUnlock()
	if !ok {
		return TextHeader{Key: key, Value: value}, nil
	}
	h, err := decoder(value)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode header %q: %w", key, err)
	}
	return h, nil
}
