package envelope

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// TypeInfo describes a registered payload type.
type TypeInfo struct {
	// Name is the logical type name carried on the wire.
	Name string
	// Type is the Go type payloads are decoded into.
	Type reflect.Type
	Kind Kind
}

// RegisterOption customises a registration.
type RegisterOption func(*TypeInfo)

// WithName overrides the logical type name.
func WithName(name string) RegisterOption {
	return func(ti *TypeInfo) { ti.Name = name }
}

// WithKind declares the kind of payloads that cannot embed a marker, such as
// generated protobuf messages.
func WithKind(kind Kind) RegisterOption {
	return func(ti *TypeInfo) { ti.Kind = kind }
}

// Registry maps logical type names to Go types so payloads can be rebuilt
// polymorphically on the receiving side.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]TypeInfo
	byType map[reflect.Type]TypeInfo
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]TypeInfo),
		byType: make(map[reflect.Type]TypeInfo),
	}
}

// Register records the type of sample. Registering the same type under the
// same name twice is a no-op.
func (r *Registry) Register(sample any, opts ...RegisterOption) (TypeInfo, error) {
	typ := PayloadType(sample)
	if typ == nil {
		return TypeInfo{}, errspkg.ErrMessageTypeRequired
	}

	info := TypeInfo{
		Name: DefaultTypeName(typ),
		Type: typ,
		Kind: KindOf(reflect.Zero(typ).Interface()),
	}
	for _, opt := range opts {
		opt(&info)
	}
	if info.Name == "" {
		return TypeInfo{}, errspkg.ErrMessageTypeRequired
	}
	if info.Kind == KindUnknown {
		return TypeInfo{}, fmt.Errorf("%w: %s embeds no kind marker", errspkg.ErrMessageKindUnknown, info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[info.Name]; ok {
		if existing.Type == info.Type && existing.Kind == info.Kind {
			return existing, nil
		}
		return TypeInfo{}, fmt.Errorf("%w: name %q already maps to %s", errspkg.ErrDuplicateRegistration, info.Name, existing.Type)
	}
	if existing, ok := r.byType[typ]; ok {
		return TypeInfo{}, fmt.Errorf("%w: %s already registered as %q", errspkg.ErrDuplicateRegistration, typ, existing.Name)
	}

	r.byName[info.Name] = info
	r.byType[typ] = info
	return info, nil
}

// Lookup finds a registration by logical name.
func (r *Registry) Lookup(name string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byName[name]
	return info, ok
}

// Resolve finds the registration matching a payload value.
func (r *Registry) Resolve(payload any) (TypeInfo, bool) {
	typ := PayloadType(payload)
	if typ == nil {
		return TypeInfo{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byType[typ]
	return info, ok
}

// Types lists every registration sorted by name.
func (r *Registry) Types() []TypeInfo {
	r.mu.RLock()
	out := make([]TypeInfo, 0, len(r.byName))
	for _, info := range r.byName {
		out = append(out, info)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b TypeInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// PayloadType is the type a payload is stored and decoded as: pointers are
// dereferenced except for protobuf messages, which stay pointers.
func PayloadType(payload any) reflect.Type {
	if payload == nil {
		return nil
	}
	typ := reflect.TypeOf(payload)
	if typ.Kind() == reflect.Pointer && !typ.Implements(protoMessageType) {
		return typ.Elem()
	}
	return typ
}

// Normalize dereferences pointer payloads so envelopes hold values. Protobuf
// messages are returned unchanged.
func Normalize(payload any) any {
	if payload == nil {
		return nil
	}
	if _, ok := payload.(proto.Message); ok {
		return payload
	}
	v := reflect.ValueOf(payload)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		return v.Elem().Interface()
	}
	return payload
}

// DefaultTypeName derives the logical name of typ: the protobuf full name for
// generated messages, the package-qualified Go name otherwise.
func DefaultTypeName(typ reflect.Type) string {
	if typ == nil {
		return ""
	}
	if typ.Implements(protoMessageType) {
		msg := reflect.Zero(typ).Interface().(proto.Message)
		return string(msg.ProtoReflect().Descriptor().FullName())
	}
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return typ.String()
}
