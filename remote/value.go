package remote

import (
	"context"
	"reflect"
	"sync"

	"edo/codec"
	"edo/edoerr"
	"edo/executor"
	"edo/message"
	"edo/registry"
)

// InlineValue is a by-value object whose type is not registered in this process.
type InlineValue struct {
	TypeDescriptor string
	Data           []byte
}

// Decode deserializes the value into out.
func (v InlineValue) Decode(out any) error {
	return codec.Unmarshal(v.Data, out)
}

var valueTypes sync.Map // type descriptor → reflect.Type

// RegisterValueType makes by-value objects of sample's type decode to that type
// instead of InlineValue.
func RegisterValueType(sample any) {
	valueTypes.Store(registry.Describe(sample), reflect.TypeOf(sample))
}

type byValue struct{ v any }

// ByValue forces v to be copied even if it is an Object.
func ByValue(v any) any { return byValue{v} }

// encode converts a Go value into its wire form. Objects are exported by reference
// from the local registry, held on behalf of the peer.
func (ep *Endpoint) encode(v any, tag any) (message.Value, error) {
	switch x := v.(type) {
	case nil:
		return message.Nil(), nil
	case message.Value:
		return x, nil
	case bool:
		return message.Bool(x), nil
	case int:
		return message.Int(int64(x)), nil
	case int8:
		return message.Int(int64(x)), nil
	case int16:
		return message.Int(int64(x)), nil
	case int32:
		return message.Int(int64(x)), nil
	case int64:
		return message.Int(x), nil
	case uint:
		return message.Uint(uint64(x)), nil
	case uint8:
		return message.Uint(uint64(x)), nil
	case uint16:
		return message.Uint(uint64(x)), nil
	case uint32:
		return message.Uint(uint64(x)), nil
	case uint64:
		return message.Uint(x), nil
	case float32:
		return message.Float(float64(x)), nil
	case float64:
		return message.Float(x), nil
	case string:
		return message.String(x), nil
	case []byte:
		return message.Bytes(x), nil
	case *Proxy:
		if x == nil {
			return message.Nil(), nil
		}
		if x.ep != ep {
			return message.Value{}, edoerr.InvocationFailed(nil,
				"%s belongs to another connection; remote objects cannot be forwarded to a third process", x)
		}
		return message.Handle(x.handle), nil
	case InlineValue:
		return message.Inline(x.TypeDescriptor, x.Data), nil
	case byValue:
		return ep.export(x.v, true, tag)
	case Object:
		if rv := reflect.ValueOf(x); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return message.Nil(), nil
		}
		return ep.export(x, false, tag)
	default:
		return ep.export(x, true, tag)
	}
}

func (ep *Endpoint) export(v any, byValue bool, tag any) (message.Value, error) {
	out, err := ep.cfg.Registry.Export(v, registry.ExportOptions{
		PassByValue: byValue,
		Holder:      ep.holder(),
		Tag:         tag,
	})
	if err != nil && edoerr.KindOf(err) == "" {
		return message.Value{}, edoerr.InvocationFailed(err, "export %T", v)
	}
	return out, err
}

func (ep *Endpoint) encodeArgs(ctx context.Context, args []any) ([]message.Value, error) {
	if len(args) == 0 {
		return nil, nil
	}
	// Callbacks run on the queue of the caller that handed them out.
	var tag any
	if q := executor.Current(ctx); q != nil {
		tag = q
	}
	out := make([]message.Value, len(args))
	for i, a := range args {
		v, err := ep.encode(a, tag)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// decode converts a wire value into a Go value.
func (ep *Endpoint) decode(v message.Value) (any, error) {
	if err := v.Validate(); err != nil {
		return nil, edoerr.InvocationFailed(err, "undecodable value")
	}
	switch v.Kind {
	case message.KindNil:
		return nil, nil
	case message.KindBool:
		return v.Bool, nil
	case message.KindInt:
		return v.Int, nil
	case message.KindUint:
		return v.Uint, nil
	case message.KindFloat:
		return v.Float, nil
	case message.KindString:
		return v.Str, nil
	case message.KindBytes:
		return v.Bytes, nil
	case message.KindInline:
		return decodeInline(v.Inline)
	}

	h := *v.Handle
	switch h.ProcessOriginID {
	case ep.cfg.Registry.Origin():
		return ep.cfg.Registry.Resolve(h)
	case ep.conn.Peer().ProcessOriginID:
		return ep.importProxy(h), nil
	default:
		return nil, edoerr.UnknownHandle("handle %d of process %x is neither local nor the peer's", h.LocalID, h.ProcessOriginID)
	}
}

func (ep *Endpoint) decodeArgs(vals []message.Value) (Args, error) {
	args := make(Args, len(vals))
	for i, v := range vals {
		a, err := ep.decode(v)
		if err != nil {
			return nil, err
		}
		args[i] = a
	}
	return args, nil
}

func decodeInline(o *message.InlineObject) (any, error) {
	t, ok := valueTypes.Load(o.TypeDescriptor)
	if !ok {
		return InlineValue{TypeDescriptor: o.TypeDescriptor, Data: o.Data}, nil
	}

	typ := t.(reflect.Type)
	if typ.Kind() == reflect.Pointer {
		ptr := reflect.New(typ.Elem())
		if err := codec.Unmarshal(o.Data, ptr.Interface()); err != nil {
			return nil, edoerr.InvocationFailed(err, "decode %s", o.TypeDescriptor)
		}
		return ptr.Interface(), nil
	}
	ptr := reflect.New(typ)
	if err := codec.Unmarshal(o.Data, ptr.Interface()); err != nil {
		return nil, edoerr.InvocationFailed(err, "decode %s", o.TypeDescriptor)
	}
	return ptr.Elem().Interface(), nil
}
