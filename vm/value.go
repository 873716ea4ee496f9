// Package vm implements the gas-metered stack bytecode interpreter (C1):
// a linear instruction-pointer dispatch loop over a tagged Value stack,
// with FFI call-out through a permission-scoped registry.
package vm

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind tags the concrete representation held by a Value.
type Kind int

const (
	// KindNull represents the absence of a value.
	KindNull Kind = iota
	// KindInt represents a signed 64-bit integer.
	KindInt
	// KindBool represents a boolean.
	KindBool
	// KindString represents a UTF-8 string.
	KindString
	// KindStructured represents an arbitrary JSON tree (object, array, or a
	// nested scalar distinct from the above simple kinds).
	KindStructured
)

// Value is the tagged sum type manipulated by the interpreter stack: a
// signed 64-bit integer, a boolean, a UTF-8 string, null, or a nested
// structured value (arbitrary JSON). Equality is structural; see Equal.
type Value struct {
	Kind Kind
	Int  int64
	Bool bool
	Str  string
	// Raw carries the canonical JSON encoding of a KindStructured value.
	// Unset for all other kinds.
	Raw json.RawMessage
}

// Null is the canonical null Value.
var Null = Value{Kind: KindNull}

// Int returns an integer Value.
func Int(n int64) Value { return Value{Kind: KindInt, Int: n} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// String returns a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Structured returns a structured Value wrapping raw JSON bytes. The caller
// must supply valid, canonical JSON; FromJSON should be preferred when the
// source is untrusted or non-canonical.
func Structured(raw json.RawMessage) Value {
	return Value{Kind: KindStructured, Raw: raw}
}

// FromJSON decodes a single JSON literal into a Value, classifying scalars
// (int64 integers, strings, booleans, null) into their dedicated Kind and
// nesting everything else (other numbers, objects, arrays) as KindStructured.
func FromJSON(data []byte) (Value, error) {
	var probe any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&probe); err != nil {
		return Value{}, fmt.Errorf("vm: invalid json literal: %w", err)
	}
	switch v := probe.(type) {
	case nil:
		return Null, nil
	case bool:
		return Bool(v), nil
	case string:
		return String(v), nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return Int(n), nil
		}
		// Non-integer numeric literals are preserved as structured values so
		// no precision is lost by forcing them through int64.
		return Structured(json.RawMessage(v.String())), nil
	default:
		canon, err := json.Marshal(v)
		if err != nil {
			return Value{}, fmt.Errorf("vm: re-encoding literal: %w", err)
		}
		return Structured(canon), nil
	}
}

// ToJSON renders v back to its canonical JSON encoding, the inverse of FromJSON.
func (v Value) ToJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindInt:
		return json.Marshal(v.Int)
	case KindString:
		return json.Marshal(v.Str)
	case KindStructured:
		if len(v.Raw) == 0 {
			return []byte("null"), nil
		}
		return v.Raw, nil
	default:
		return nil, fmt.Errorf("vm: unknown value kind %d", v.Kind)
	}
}

// Truthy reports a value's truthiness: booleans as themselves, integers
// non-zero true, strings non-empty true, null false, and structured values
// false only when empty/null.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNull:
		return false
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int != 0
	case KindString:
		return v.Str != ""
	case KindStructured:
		trimmed := bytes.TrimSpace(v.Raw)
		if len(trimmed) == 0 {
			return false
		}
		if bytes.Equal(trimmed, []byte("null")) {
			return false
		}
		if bytes.Equal(trimmed, []byte("{}")) || bytes.Equal(trimmed, []byte("[]")) {
			return false
		}
		return true
	default:
		return false
	}
}

// Equal reports whether v and other are structurally equal. Equality is
// defined across any pair of kinds (e.g. KindInt(0) != KindBool(false)):
// the Kind must match and then the payload must match.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == other.Bool
	case KindInt:
		return v.Int == other.Int
	case KindString:
		return v.Str == other.Str
	case KindStructured:
		return canonicalEqual(v.Raw, other.Raw)
	default:
		return false
	}
}

// canonicalEqual compares two JSON byte strings for structural equality by
// unmarshalling and re-marshalling through Go's canonical map/slice form.
func canonicalEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return bytes.Equal(a, b)
	}
	ca, errA := json.Marshal(av)
	cb, errB := json.Marshal(bv)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

// AsString renders v as a string for use by the Add opcode's string
// concatenation path. Every Value kind converts: this is distinct from
// Truthy/Equal, which treat kinds as incompatible for most operators.
func (v Value) AsString() string {
	switch v.Kind {
	case KindNull:
		return ""
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindString:
		return v.Str
	case KindStructured:
		return string(v.Raw)
	default:
		return ""
	}
}

// String implements fmt.Stringer for debugging/log output.
func (v Value) String() string {
	data, err := v.ToJSON()
	if err != nil {
		return fmt.Sprintf("<invalid value kind=%d>", v.Kind)
	}
	return string(data)
}
