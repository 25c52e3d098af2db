package callee

import (
	"context"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"mini-call/parcel"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	parcelType  = reflect.TypeOf((*parcel.Parcel)(nil))
)

// objectMethod is one exported method of a registered object.
type objectMethod struct {
	method  reflect.Method
	argType reflect.Type // nil when the method takes the raw parcel
}

// RegisterObject registers every exported method of rcvr that has one of the
// shapes
//
//	func (r *T) Name(ctx context.Context, args *A) (R, error)
//	func (r *T) Name(ctx context.Context, data *parcel.Parcel) (R, error)
//
// under its name with the first letter lowered ("Sum" becomes "sum"). Args are
// decoded from the request payload with ReadStructured. Methods of other
// shapes are skipped. It returns the registered names; if any name is taken,
// nothing is registered.
func (c *Callee) RegisterObject(rcvr any) ([]string, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("%w: receiver must be a pointer, got %T", ErrInvalidArgument, rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: receiver must point to a struct, got %s", ErrInvalidArgument, typ.Elem().Kind())
	}
	rcvrValue := reflect.ValueOf(rcvr)

	handlers := make(map[string]Handler)
	for i := 0; i < typ.NumMethod(); i++ {
		m, ok := inspectMethod(typ.Method(i))
		if !ok {
			continue
		}
		handlers[methodName(m.method.Name)] = m.handler(rcvrValue)
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("%w: %s has no callable methods", ErrInvalidArgument, typ.Elem().Name())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range handlers {
		if _, ok := c.methods[name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
		}
	}
	names := make([]string, 0, len(handlers))
	for name, h := range handlers {
		c.methods[name] = h
		names = append(names, name)
	}
	return names, nil
}

func inspectMethod(method reflect.Method) (*objectMethod, bool) {
	mt := method.Type
	// receiver, ctx, args
	if mt.NumIn() != 3 || mt.NumOut() != 2 {
		return nil, false
	}
	if mt.In(1) != contextType || mt.Out(1) != errorType {
		return nil, false
	}
	if mt.In(2) == parcelType {
		return &objectMethod{method: method}, true
	}
	if mt.In(2).Kind() != reflect.Pointer {
		return nil, false
	}
	return &objectMethod{method: method, argType: mt.In(2).Elem()}, true
}

func (m *objectMethod) handler(rcvr reflect.Value) Handler {
	return func(ctx context.Context, data *parcel.Parcel) (any, error) {
		var arg reflect.Value
		if m.argType == nil {
			arg = reflect.ValueOf(data)
		} else {
			arg = reflect.New(m.argType)
			if err := data.ReadStructured(arg.Interface()); err != nil {
				return nil, err
			}
		}

		out := m.method.Func.Call([]reflect.Value{rcvr, reflect.ValueOf(ctx), arg})
		if errv := out[1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		return out[0].Interface(), nil
	}
}

func methodName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}
