package parcel

import (
	"reflect"

	"mini-call/protocol"
)

// IsObject reports whether v is a structured value that can travel as the
// payload of a call: a Sequenceable, a struct, a map, a slice or array, or a
// non-nil pointer to one of those.
func IsObject(v any) bool {
	return TypeTag(v) == protocol.TypeTagObject
}

// TypeTag classifies v with the type tags used in replies.
func TypeTag(v any) string {
	if v == nil {
		return protocol.TypeTagUndefined
	}
	if _, ok := v.(error); ok {
		return protocol.TypeTagError
	}
	if _, ok := v.(Sequenceable); ok {
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return protocol.TypeTagUndefined
		}
		return protocol.TypeTagObject
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return protocol.TypeTagUndefined
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct, reflect.Array:
		return protocol.TypeTagObject
	case reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return protocol.TypeTagUndefined
		}
		return protocol.TypeTagObject
	case reflect.String:
		return protocol.TypeTagString
	case reflect.Bool:
		return protocol.TypeTagBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return protocol.TypeTagNumber
	case reflect.Func:
		return protocol.TypeTagFunction
	}
	return protocol.TypeTagUndefined
}
