package message

import "fmt"

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNil ValueKind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindHandle // pass by reference
	KindInline // pass by value
)

var kindNames = [...]string{"nil", "bool", "int", "uint", "float", "string", "bytes", "handle", "inline"}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// InlineObject is an object serialized into the payload instead of being exported.
type InlineObject struct {
	TypeDescriptor string `json:"type"`
	Data           []byte `json:"data,omitempty"`
}

// Value is the tagged union carried by arguments and results.
// Only the field matching Kind is meaningful.
type Value struct {
	Kind   ValueKind     `json:"k"`
	Bool   bool          `json:"b,omitempty"`
	Int    int64         `json:"i,omitempty"`
	Uint   uint64        `json:"u,omitempty"`
	Float  float64       `json:"f,omitempty"`
	Str    string        `json:"s,omitempty"`
	Bytes  []byte        `json:"y,omitempty"`
	Handle *ObjectHandle `json:"h,omitempty"`
	Inline *InlineObject `json:"o,omitempty"`
}

func Nil() Value { return Value{Kind: KindNil} }
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }
func Uint(u uint64) Value { return Value{Kind: KindUint, Uint: u} }
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }
func Handle(h ObjectHandle) Value { return Value{Kind: KindHandle, Handle: &h} }

// Inline wraps an already serialized object.
func Inline(typeDescriptor string, data []byte) Value {
	return Value{Kind: KindInline, Inline: &InlineObject{TypeDescriptor: typeDescriptor, Data: data}}
}

// Validate checks that the field required by Kind is present.
func (v Value) Validate() error {
	switch v.Kind {
	case KindNil, KindBool, KindInt, KindUint, KindFloat, KindString, KindBytes:
		return nil
	case KindHandle:
		if v.Handle == nil {
			return fmt.Errorf("handle value without handle")
		}
		return nil
	case KindInline:
		if v.Inline == nil {
			return fmt.Errorf("inline value without object")
		}
		return nil
	default:
		return fmt.Errorf("unknown value kind %d", uint8(v.Kind))
	}
}
