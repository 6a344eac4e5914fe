package zarrserve

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the numpy kind character of a dtype.
type Kind byte

// Supported dtype kinds.
const (
	KindBool      Kind = 'b'
	KindInt       Kind = 'i'
	KindUint      Kind = 'u'
	KindFloat     Kind = 'f'
	KindComplex   Kind = 'c'
	KindBytes     Kind = 'S'
	KindDatetime  Kind = 'M'
	KindTimedelta Kind = 'm'
	KindObject    Kind = 'O'
)

// Byte order characters.
const (
	LittleEndian  byte = '<'
	BigEndian     byte = '>'
	NotApplicable byte = '|'
)

// DType describes an array element type.
type DType struct {
	Kind  Kind
	Order byte
	Size  int
	// Unit is the time unit of datetime and timedelta types (e.g. "ns").
	Unit string
}

// Common dtypes.
var (
	Bool       = DType{Kind: KindBool, Order: NotApplicable, Size: 1}
	Int8       = DType{Kind: KindInt, Order: NotApplicable, Size: 1}
	Int16      = DType{Kind: KindInt, Order: LittleEndian, Size: 2}
	Int32      = DType{Kind: KindInt, Order: LittleEndian, Size: 4}
	Int64      = DType{Kind: KindInt, Order: LittleEndian, Size: 8}
	Uint8      = DType{Kind: KindUint, Order: NotApplicable, Size: 1}
	Uint16     = DType{Kind: KindUint, Order: LittleEndian, Size: 2}
	Uint32     = DType{Kind: KindUint, Order: LittleEndian, Size: 4}
	Uint64     = DType{Kind: KindUint, Order: LittleEndian, Size: 8}
	Float32    = DType{Kind: KindFloat, Order: LittleEndian, Size: 4}
	Float64    = DType{Kind: KindFloat, Order: LittleEndian, Size: 8}
	Complex64  = DType{Kind: KindComplex, Order: LittleEndian, Size: 8}
	Complex128 = DType{Kind: KindComplex, Order: LittleEndian, Size: 16}
	Object     = DType{Kind: KindObject, Order: NotApplicable, Size: 8}
)

// Bytes returns a fixed-length byte string dtype.
func Bytes(n int) DType {
	return DType{Kind: KindBytes, Order: NotApplicable, Size: n}
}

// Datetime64 returns a datetime dtype with the given unit.
func Datetime64(unit string) DType {
	return DType{Kind: KindDatetime, Order: LittleEndian, Size: 8, Unit: unit}
}

// Timedelta64 returns a timedelta dtype with the given unit.
func Timedelta64(unit string) DType {
	return DType{Kind: KindTimedelta, Order: LittleEndian, Size: 8, Unit: unit}
}

// String returns the Zarr v2 type string (for example "<f8" or "|b1").
func (d DType) String() string {
	switch d.Kind {
	case KindObject:
		return "|O"
	case KindDatetime, KindTimedelta:
		return fmt.Sprintf("%c%c8[%s]", d.Order, d.Kind, d.Unit)
	}
	return fmt.Sprintf("%c%c%d", d.Order, d.Kind, d.Size)
}

// Name returns the numpy type name (for example "float64").
func (d DType) Name() string {
	switch d.Kind {
	case KindBool:
		return "bool"
	case KindInt:
		return fmt.Sprintf("int%d", d.Size*8)
	case KindUint:
		return fmt.Sprintf("uint%d", d.Size*8)
	case KindFloat:
		return fmt.Sprintf("float%d", d.Size*8)
	case KindComplex:
		return fmt.Sprintf("complex%d", d.Size*8)
	case KindBytes:
		return fmt.Sprintf("bytes%d", d.Size*8)
	case KindDatetime:
		return fmt.Sprintf("datetime64[%s]", d.Unit)
	case KindTimedelta:
		return fmt.Sprintf("timedelta64[%s]", d.Unit)
	default:
		return "object"
	}
}

// Primitive reports whether elements are fixed-size values with a byte
// representation.
func (d DType) Primitive() bool {
	return d.Kind != KindObject
}

func (d DType) byteOrder() binary.ByteOrder {
	if d.Order == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// ParseDType parses a Zarr v2 type string.
func ParseDType(s string) (DType, error) {
	if s == "|O" {
		return Object, nil
	}
	if len(s) < 3 {
		return DType{}, fmt.Errorf("%w: invalid dtype %q", ErrValidation, s)
	}
	d := DType{Order: s[0], Kind: Kind(s[1])}
	if d.Order != LittleEndian && d.Order != BigEndian && d.Order != NotApplicable {
		return DType{}, fmt.Errorf("%w: invalid byte order in dtype %q", ErrValidation, s)
	}
	rest := s[2:]
	if d.Kind == KindDatetime || d.Kind == KindTimedelta {
		if !strings.HasPrefix(rest, "8[") || !strings.HasSuffix(rest, "]") {
			return DType{}, fmt.Errorf("%w: invalid time dtype %q", ErrValidation, s)
		}
		d.Size = 8
		d.Unit = rest[2 : len(rest)-1]
		return d, nil
	}
	size, err := strconv.Atoi(rest)
	if err != nil || size <= 0 {
		return DType{}, fmt.Errorf("%w: invalid item size in dtype %q", ErrValidation, s)
	}
	d.Size = size
	switch d.Kind {
	case KindBool, KindBytes:
	case KindInt, KindUint:
		if size != 1 && size != 2 && size != 4 && size != 8 {
			return DType{}, fmt.Errorf("%w: invalid integer size in dtype %q", ErrValidation, s)
		}
	case KindFloat:
		if size != 4 && size != 8 {
			return DType{}, fmt.Errorf("%w: unsupported float size in dtype %q", ErrValidation, s)
		}
	case KindComplex:
		if size != 8 && size != 16 {
			return DType{}, fmt.Errorf("%w: unsupported complex size in dtype %q", ErrValidation, s)
		}
	default:
		return DType{}, fmt.Errorf("%w: unsupported dtype kind in %q", ErrValidation, s)
	}
	return d, nil
}

// -----------------------------------------------------------------------------
// Fill values
// -----------------------------------------------------------------------------

// EncodeFillValue converts a declared fill value into its Zarr v2 metadata
// form for dtype d. A null declaration encodes to null.
func EncodeFillValue(d DType, v Value) (Value, error) {
	if v.IsNull() {
		return NullValue(), nil
	}
	switch d.Kind {
	case KindFloat:
		f, ok := v.Float()
		if !ok {
			return Value{}, fillMismatch(d, v)
		}
		return encodeFillFloat(f), nil
	case KindInt, KindDatetime, KindTimedelta:
		i, ok := v.Int()
		if !ok {
			return Value{}, fillMismatch(d, v)
		}
		if !intFits(i, d.Size) {
			return Value{}, fillOutOfRange(d, strconv.FormatInt(i, 10))
		}
		return IntValue(i), nil
	case KindUint:
		u, ok := v.Uint()
		if !ok {
			return Value{}, fillMismatch(d, v)
		}
		if !uintFits(u, d.Size) {
			return Value{}, fillOutOfRange(d, strconv.FormatUint(u, 10))
		}
		return UintValue(u), nil
	case KindBool:
		b, ok := v.Bool()
		if !ok {
			return Value{}, fillMismatch(d, v)
		}
		return BoolValue(b), nil
	case KindComplex:
		re, im, ok := complexParts(v)
		if !ok {
			return Value{}, fillMismatch(d, v)
		}
		return ListValue(encodeFillFloat(re), encodeFillFloat(im)), nil
	case KindBytes:
		s, ok := v.Text()
		if !ok {
			return Value{}, fillMismatch(d, v)
		}
		return StringValue(base64.StdEncoding.EncodeToString([]byte(s))), nil
	default:
		return v, nil
	}
}

// DecodeFillValue inverts EncodeFillValue.
func DecodeFillValue(d DType, v Value) (Value, error) {
	if v.IsNull() {
		return NullValue(), nil
	}
	switch d.Kind {
	case KindFloat:
		f, err := decodeFillFloat(v)
		if err != nil {
			return Value{}, err
		}
		return FloatValue(f), nil
	case KindComplex:
		parts := v.List()
		if v.Kind() != ValueList || len(parts) != 2 {
			return Value{}, fillMismatch(d, v)
		}
		re, err := decodeFillFloat(parts[0])
		if err != nil {
			return Value{}, err
		}
		im, err := decodeFillFloat(parts[1])
		if err != nil {
			return Value{}, err
		}
		return ListValue(FloatValue(re), FloatValue(im)), nil
	case KindBytes:
		s, ok := v.Text()
		if !ok {
			return Value{}, fillMismatch(d, v)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: fill value is not base64: %w", ErrValidation, err)
		}
		return StringValue(string(raw)), nil
	default:
		return EncodeFillValue(d, v)
	}
}

// FillBytes returns the byte representation of one element holding the
// declared fill value, or false if none is declared or it cannot be
// represented.
func FillBytes(d DType, v Value) ([]byte, bool) {
	if v.IsNull() || !d.Primitive() {
		return nil, false
	}
	order := d.byteOrder()
	buf := make([]byte, d.Size)
	switch d.Kind {
	case KindFloat:
		f, ok := v.Float()
		if !ok {
			return nil, false
		}
		putFloat(order, buf, f)
	case KindComplex:
		re, im, ok := complexParts(v)
		if !ok {
			return nil, false
		}
		half := d.Size / 2
		putFloat(order, buf[:half], re)
		putFloat(order, buf[half:], im)
	case KindInt, KindDatetime, KindTimedelta:
		i, ok := v.Int()
		if !ok || !intFits(i, d.Size) {
			return nil, false
		}
		putUint(order, buf, uint64(i))
	case KindUint:
		u, ok := v.Uint()
		if !ok || !uintFits(u, d.Size) {
			return nil, false
		}
		putUint(order, buf, u)
	case KindBool:
		b, ok := v.Bool()
		if !ok {
			return nil, false
		}
		if b {
			buf[0] = 1
		}
	case KindBytes:
		s, ok := v.Text()
		if !ok {
			return nil, false
		}
		copy(buf, s)
	}
	return buf, true
}

// intFits reports whether i is representable in a signed integer of size
// bytes.
func intFits(i int64, size int) bool {
	if size >= 8 {
		return true
	}
	bits := uint(size * 8)
	return i >= -1<<(bits-1) && i < 1<<(bits-1)
}

func uintFits(u uint64, size int) bool {
	return size >= 8 || u < 1<<uint(size*8)
}

func encodeFillFloat(f float64) Value {
	switch {
	case math.IsNaN(f):
		return StringValue("NaN")
	case math.IsInf(f, 1):
		return StringValue("Infinity")
	case math.IsInf(f, -1):
		return StringValue("-Infinity")
	}
	return FloatValue(f)
}

func decodeFillFloat(v Value) (float64, error) {
	if s, ok := v.Text(); ok {
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return 0, fmt.Errorf("%w: invalid float fill value %q", ErrValidation, s)
	}
	f, ok := v.Float()
	if !ok {
		return 0, fmt.Errorf("%w: invalid float fill value", ErrValidation)
	}
	return f, nil
}

func complexParts(v Value) (float64, float64, bool) {
	if f, ok := v.Float(); ok {
		return f, 0, true
	}
	parts := v.List()
	if v.Kind() != ValueList || len(parts) != 2 {
		return 0, 0, false
	}
	re, ok1 := parts[0].Float()
	im, ok2 := parts[1].Float()
	return re, im, ok1 && ok2
}

func fillMismatch(d DType, v Value) error {
	return fmt.Errorf("%w: fill value of kind %d is not valid for dtype %s", ErrValidation, v.Kind(), d)
}

func fillOutOfRange(d DType, n string) error {
	return fmt.Errorf("%w: fill value %s out of range for dtype %s", ErrValidation, n, d)
}

func putFloat(order binary.ByteOrder, buf []byte, f float64) {
	if len(buf) == 4 {
		order.PutUint32(buf, math.Float32bits(float32(f)))
		return
	}
	order.PutUint64(buf, math.Float64bits(f))
}

func putUint(order binary.ByteOrder, buf []byte, u uint64) {
	switch len(buf) {
	case 1:
		buf[0] = byte(u)
	case 2:
		order.PutUint16(buf, uint16(u))
	case 4:
		order.PutUint32(buf, uint32(u))
	case 8:
		order.PutUint64(buf, u)
	}
}
