package jsoncodec

import (
	"fmt"
	"io"
	"reflect"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var defaultConfig = sonic.ConfigStd

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Codec serializes message payloads for the wire and for the durable outbox.
// Protobuf messages go through protojson, everything else through sonic.
type Codec struct {
	ProtoOptions protojson.MarshalOptions
}

// Serialize encodes v to its string form.
func (c Codec) Serialize(v any) (string, error) {
	if v == nil {
		return "", fmt.Errorf("courier: cannot serialize nil payload")
	}
	if pm, ok := v.(proto.Message); ok {
		data, err := c.ProtoOptions.Marshal(pm)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Deserialize decodes data into a fresh value of typ. Non-pointer types are
// returned by value, pointer types (protobuf messages) as pointers.
func (c Codec) Deserialize(data string, typ reflect.Type) (any, error) {
	if typ == nil {
		return nil, fmt.Errorf("courier: cannot deserialize into nil type")
	}
	if typ.Kind() == reflect.Pointer {
		ptr := reflect.New(typ.Elem())
		if typ.Implements(protoMessageType) {
			if err := protojson.Unmarshal([]byte(data), ptr.Interface().(proto.Message)); err != nil {
				return nil, err
			}
			return ptr.Interface(), nil
		}
		if err := Unmarshal([]byte(data), ptr.Interface()); err != nil {
			return nil, err
		}
		return ptr.Interface(), nil
	}

	ptr := reflect.New(typ)
	if err := Unmarshal([]byte(data), ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}
