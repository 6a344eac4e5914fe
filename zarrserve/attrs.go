package zarrserve

import (
	"math"
	"sort"

	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// -----------------------------------------------------------------------------
// Attribute values
// -----------------------------------------------------------------------------

// ValueKind tags the variant held by a Value.
type ValueKind uint8

// Value variants.
const (
	ValueNull ValueKind = iota
	ValueBool
	ValueInt
	ValueUint
	ValueFloat
	ValueString
	ValueList
	ValueMap
)

// Value is an attribute value: a primitive, a sequence, or a nested mapping.
//
// The zero Value is null.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
	list []Value
	m    Attrs
}

// Attrs maps attribute names to values.
type Attrs map[string]Value

// NullValue returns the null value.
func NullValue() Value { return Value{} }

// BoolValue returns a boolean value.
func BoolValue(b bool) Value { return Value{kind: ValueBool, b: b} }

// IntValue returns a signed integer value.
func IntValue(i int64) Value { return Value{kind: ValueInt, i: i} }

// UintValue returns an unsigned integer value.
func UintValue(u uint64) Value { return Value{kind: ValueUint, u: u} }

// FloatValue returns a floating point value. NaN and infinities are allowed.
func FloatValue(f float64) Value { return Value{kind: ValueFloat, f: f} }

// StringValue returns a string value.
func StringValue(s string) Value { return Value{kind: ValueString, s: s} }

// ListValue returns a sequence value.
func ListValue(vs ...Value) Value { return Value{kind: ValueList, list: vs} }

// MapValue returns a nested mapping value.
func MapValue(m Attrs) Value { return Value{kind: ValueMap, m: m} }

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == ValueNull }

// Bool returns the boolean held by v.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == ValueBool }

// Int returns v as a signed integer. Unsigned values that fit and integral
// floats convert.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case ValueInt:
		return v.i, true
	case ValueUint:
		if v.u > math.MaxInt64 {
			return 0, false
		}
		return int64(v.u), true
	case ValueFloat:
		if v.f != math.Trunc(v.f) || math.IsInf(v.f, 0) || v.f < math.MinInt64 || v.f >= math.MaxInt64 {
			return 0, false
		}
		return int64(v.f), true
	}
	return 0, false
}

// Uint returns v as an unsigned integer. Non-negative signed values and
// integral floats convert.
func (v Value) Uint() (uint64, bool) {
	switch v.kind {
	case ValueUint:
		return v.u, true
	case ValueInt:
		if v.i < 0 {
			return 0, false
		}
		return uint64(v.i), true
	case ValueFloat:
		if v.f != math.Trunc(v.f) || v.f < 0 || v.f >= math.MaxUint64 {
			return 0, false
		}
		return uint64(v.f), true
	}
	return 0, false
}

// Float returns v as a float. Integers convert.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case ValueFloat:
		return v.f, true
	case ValueInt:
		return float64(v.i), true
	case ValueUint:
		return float64(v.u), true
	}
	return 0, false
}

// Text returns the string held by v.
func (v Value) Text() (string, bool) { return v.s, v.kind == ValueString }

// List returns the elements of a sequence value.
func (v Value) List() []Value { return v.list }

// Map returns the entries of a mapping value.
func (v Value) Map() Attrs { return v.m }

// Equal reports whether two values are identical. NaN equals NaN.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case ValueNull:
		return true
	case ValueBool:
		return v.b == o.b
	case ValueInt:
		return v.i == o.i
	case ValueUint:
		return v.u == o.u
	case ValueFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case ValueString:
		return v.s == o.s
	case ValueList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case ValueMap:
		return v.m.Equal(o.m)
	}
	return false
}

// Equal reports whether two attribute sets hold identical entries.
func (a Attrs) Equal(o Attrs) bool {
	if len(a) != len(o) {
		return false
	}
	for k, v := range a {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of a.
func (a Attrs) Clone() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Keys returns attribute names in sorted order.
func (a Attrs) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// -----------------------------------------------------------------------------
// Wire encoding
// -----------------------------------------------------------------------------

// MarshalJSON encodes v in the Zarr attribute representation.
func (v Value) MarshalJSON() ([]byte, error) {
	return jsonCodec.Marshal(v.wire())
}

func (v Value) wire() any {
	switch v.kind {
	case ValueBool:
		return v.b
	case ValueInt:
		return v.i
	case ValueUint:
		return v.u
	case ValueFloat:
		return encodeFloat(v.f)
	case ValueString:
		return v.s
	case ValueList:
		return encodeList(v.list)
	case ValueMap:
		return encodeMap(v.m)
	default:
		return nil
	}
}

// encodeFloat maps non-finite floats to the string sentinels JSON lacks.
func encodeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

func encodeList(vs []Value) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v.wire()
	}
	return out
}

func encodeMap(m Attrs) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.wire()
	}
	return out
}
