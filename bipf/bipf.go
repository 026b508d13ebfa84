// Package bipf implements the binary in-place format used for tinySSB
// message bodies and request vectors: every value is a varint header carrying
// the payload length and a 3-bit type, followed by the payload.
package bipf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/multiformats/go-varint"
)

// Type of an encoded value.
type Type uint8

const (
	TypeString Type = iota
	TypeBytes
	TypeInt
	TypeDouble
	TypeList
	TypeDict
	TypeBoolNone
	TypeExtended
)

const typeBits = 3

var ErrMalformed = errors.New("bipf: malformed input")

// Value is a decoded or to-be-encoded BIPF value.
type Value struct {
	typ   Type
	raw   []byte
	num   int64
	float float64
	flag  bool
	items []Value
}

func Int(v int) Value           { return Value{typ: TypeInt, num: int64(v)} }
func Int64(v int64) Value       { return Value{typ: TypeInt, num: v} }
func Double(v float64) Value    { return Value{typ: TypeDouble, float: v} }
func Bytes(b []byte) Value      { return Value{typ: TypeBytes, raw: b} }
func String(s string) Value     { return Value{typ: TypeString, raw: []byte(s)} }
func Bool(b bool) Value         { return Value{typ: TypeBoolNone, flag: b, num: 1} }
func None() Value               { return Value{typ: TypeBoolNone} }
func List(items ...Value) Value { return Value{typ: TypeList, items: items} }

// Dict builds a dictionary from alternating keys and values.
func Dict(kv ...Value) Value { return Value{typ: TypeDict, items: kv} }

func (v Value) Type() Type { return v.typ }

func (v Value) IsNone() bool { return v.typ == TypeBoolNone && v.num == 0 }

func (v Value) AsInt() (int, bool) {
	if v.typ != TypeInt {
		return 0, false
	}
	return int(v.num), true
}

func (v Value) AsBytes() ([]byte, bool) {
	if v.typ != TypeBytes {
		return nil, false
	}
	return v.raw, true
}

func (v Value) AsString() (string, bool) {
	if v.typ != TypeString {
		return "", false
	}
	return string(v.raw), true
}

func (v Value) AsBool() (bool, bool) {
	if v.typ != TypeBoolNone || v.num == 0 {
		return false, false
	}
	return v.flag, true
}

func (v Value) AsDouble() (float64, bool) {
	if v.typ != TypeDouble {
		return 0, false
	}
	return v.float, true
}

// AsList returns the elements of a list, or the alternating keys and values of a dict.
func (v Value) AsList() ([]Value, bool) {
	if v.typ != TypeList && v.typ != TypeDict {
		return nil, false
	}
	return v.items, true
}

func (v Value) String() string {
	switch v.typ {
	case TypeString:
		return fmt.Sprintf("%q", v.raw)
	case TypeBytes:
		return fmt.Sprintf("0x%x", v.raw)
	case TypeInt:
		return fmt.Sprint(v.num)
	case TypeDouble:
		return fmt.Sprint(v.float)
	case TypeBoolNone:
		if v.num == 0 {
			return "none"
		}
		return fmt.Sprint(v.flag)
	case TypeList, TypeDict:
		return fmt.Sprint(v.items)
	}
	return fmt.Sprintf("ext(%x)", v.raw)
}

func intLen(n int64) int {
	for size := 1; size < 8; size++ {
		lim := int64(1) << (8*size - 1)
		if n >= -lim && n < lim {
			return size
		}
	}
	return 8
}

func payloadLength(v Value) int {
	switch v.typ {
	case TypeInt:
		return intLen(v.num)
	case TypeDouble:
		return 8
	case TypeBoolNone:
		if v.num == 0 {
			return 0
		}
		return 1
	case TypeList, TypeDict:
		total := 0
		for _, item := range v.items {
			total += EncodingLength(item)
		}
		return total
	}
	return len(v.raw)
}

// EncodingLength returns the number of bytes Encode produces for v.
func EncodingLength(v Value) int {
	n := payloadLength(v)
	return varint.UvarintSize(uint64(n)<<typeBits|uint64(v.typ)) + n
}

// Encode serializes v.
func Encode(v Value) []byte {
	return appendValue(make([]byte, 0, EncodingLength(v)), v)
}

func appendValue(buf []byte, v Value) []byte {
	n := payloadLength(v)
	buf = append(buf, varint.ToUvarint(uint64(n)<<typeBits|uint64(v.typ))...)
	switch v.typ {
	case TypeInt:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.num))
		buf = append(buf, tmp[:n]...)
	case TypeDouble:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.float))
	case TypeBoolNone:
		if n == 1 {
			if v.flag {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}
	case TypeList, TypeDict:
		for _, item := range v.items {
			buf = appendValue(buf, item)
		}
	default:
		buf = append(buf, v.raw...)
	}
	return buf
}

// Decode parses exactly one value occupying the whole buffer.
func Decode(buf []byte) (Value, error) {
	v, n, err := decode(buf)
	if err != nil {
		return Value{}, err
	}
	if n != len(buf) {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(buf)-n)
	}
	return v, nil
}

// DecodeList parses buf and requires it to be a list.
func DecodeList(buf []byte) ([]Value, error) {
	v, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	if v.typ != TypeList {
		return nil, fmt.Errorf("%w: not a list", ErrMalformed)
	}
	return v.items, nil
}

func decode(buf []byte) (Value, int, error) {
	hdr, hlen, err := varint.FromUvarint(buf)
	if err != nil {
		return Value{}, 0, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	typ := Type(hdr & (1<<typeBits - 1))
	size := hdr >> typeBits
	if size > uint64(len(buf)-hlen) {
		return Value{}, 0, fmt.Errorf("%w: length %d exceeds buffer", ErrMalformed, size)
	}
	body := buf[hlen : hlen+int(size)]
	total := hlen + int(size)
	v := Value{typ: typ}
	switch typ {
	case TypeInt:
		if len(body) == 0 || len(body) > 8 {
			return Value{}, 0, fmt.Errorf("%w: int of %d bytes", ErrMalformed, len(body))
		}
		var tmp [8]byte
		copy(tmp[:], body)
		if body[len(body)-1]&0x80 != 0 {
			for i := len(body); i < 8; i++ {
				tmp[i] = 0xff
			}
		}
		v.num = int64(binary.LittleEndian.Uint64(tmp[:]))
	case TypeDouble:
		if len(body) != 8 {
			return Value{}, 0, fmt.Errorf("%w: double of %d bytes", ErrMalformed, len(body))
		}
		v.float = math.Float64frombits(binary.LittleEndian.Uint64(body))
	case TypeBoolNone:
		switch len(body) {
		case 0:
		case 1:
			v.num = 1
			v.flag = body[0] != 0
		default:
			return Value{}, 0, fmt.Errorf("%w: bool of %d bytes", ErrMalformed, len(body))
		}
	case TypeList, TypeDict:
		for off := 0; off < len(body); {
			item, n, err := decode(body[off:])
			if err != nil {
				return Value{}, 0, err
			}
			v.items = append(v.items, item)
			off += n
		}
		if typ == TypeDict && len(v.items)%2 != 0 {
			return Value{}, 0, fmt.Errorf("%w: dict with odd number of items", ErrMalformed)
		}
	default:
		v.raw = body
	}
	return v, total, nil
}
