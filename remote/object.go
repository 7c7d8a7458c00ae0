package remote

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"edo/edoerr"
)

// Object is implemented by values that can be invoked from the other process.
// Anything else crossing the connection is copied by value.
type Object interface {
	Invoke(ctx context.Context, selector string, args Args) (any, error)
}

// Method is one entry of a Methods table.
type Method func(ctx context.Context, args Args) (any, error)

// Methods is an Object built from a selector → Method table.
//
//	calc := remote.Methods{
//		"add": func(ctx context.Context, args remote.Args) (any, error) {
//			a, b, err := args.Int2()
//			return a + b, err
//		},
//	}
type Methods map[string]Method

func (m Methods) Invoke(ctx context.Context, selector string, args Args) (any, error) {
	fn, ok := m[selector]
	if !ok {
		return nil, edoerr.InvocationFailed(nil, "unrecognized selector %q", selector)
	}
	return fn(ctx, args)
}

// Args are the decoded arguments of an invocation. Scalars arrive as bool, int64,
// uint64, float64, string and []byte. Remote objects arrive as *Proxy, local objects
// that come back arrive as themselves, and by-value objects as their registered type
// or as InlineValue.
type Args []any

func (a Args) Len() int { return len(a) }

func (a Args) at(i int) (any, error) {
	if i < 0 || i >= len(a) {
		return nil, edoerr.InvocationFailed(nil, "argument %d missing: got %d arguments", i, len(a))
	}
	return a[i], nil
}

func mismatch(i int, want string, got any) error {
	return edoerr.InvocationFailed(nil, "argument %d: want %s, got %T", i, want, got)
}

// Get returns argument i, or nil when out of range.
func (a Args) Get(i int) any {
	v, _ := a.at(i)
	return v
}

func (a Args) Int(i int) (int64, error) {
	v, err := a.at(i)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), nil
		}
	}
	return 0, mismatch(i, "int", v)
}

// Int2 returns the first two arguments as integers.
func (a Args) Int2() (int64, int64, error) {
	x, err := a.Int(0)
	if err != nil {
		return 0, 0, err
	}
	y, err := a.Int(1)
	return x, y, err
}

func (a Args) Uint(i int) (uint64, error) {
	v, err := a.at(i)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		if n >= 0 {
			return uint64(n), nil
		}
	}
	return 0, mismatch(i, "uint", v)
}

func (a Args) Float(i int) (float64, error) {
	v, err := a.at(i)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	}
	return 0, mismatch(i, "float", v)
}

func (a Args) Bool(i int) (bool, error) {
	v, err := a.at(i)
	if err != nil {
		return false, err
	}
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, mismatch(i, "bool", v)
}

func (a Args) String(i int) (string, error) {
	v, err := a.at(i)
	if err != nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", mismatch(i, "string", v)
}

func (a Args) Bytes(i int) ([]byte, error) {
	v, err := a.at(i)
	if err != nil {
		return nil, err
	}
	switch b := v.(type) {
	case []byte:
		return b, nil
	case nil:
		return nil, nil
	}
	return nil, mismatch(i, "bytes", v)
}

// Proxy returns argument i as a remote object.
func (a Args) Proxy(i int) (*Proxy, error) {
	v, err := a.at(i)
	if err != nil {
		return nil, err
	}
	if p, ok := v.(*Proxy); ok {
		return p, nil
	}
	return nil, mismatch(i, "remote object", v)
}

// Decode stores argument i in out, which must be a non-nil pointer. InlineValues are
// deserialized; anything else must be assignable to *out.
func (a Args) Decode(i int, out any) error {
	v, err := a.at(i)
	if err != nil {
		return err
	}
	if iv, ok := v.(InlineValue); ok {
		if err := iv.Decode(out); err != nil {
			return edoerr.InvocationFailed(err, "argument %d: decode %s", i, iv.TypeDescriptor)
		}
		return nil
	}

	dst := reflect.ValueOf(out)
	if dst.Kind() != reflect.Pointer || dst.IsNil() {
		return fmt.Errorf("remote: Decode needs a non-nil pointer, got %T", out)
	}
	if v == nil {
		dst.Elem().SetZero()
		return nil
	}
	src := reflect.ValueOf(v)
	if !src.Type().AssignableTo(dst.Elem().Type()) {
		return mismatch(i, dst.Elem().Type().String(), v)
	}
	dst.Elem().Set(src)
	return nil
}
