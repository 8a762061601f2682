package db

import (
	"fmt"
	"math/big"
	"strconv"
)

// Value is a single query parameter or decoded column value: boolean,
// integer, big-integer, text, or binary blob, any of which may be null
// (spec.md §3 Query).
type Value struct {
	kind  valueKind
	b     bool
	i     int64
	big   *big.Int
	s     string
	bytes []byte
	null  bool
}

type valueKind int

const (
	kindNull valueKind = iota
	kindBool
	kindInt
	kindBigInt
	kindText
	kindBlob
)

func Null() Value                 { return Value{kind: kindNull, null: true} }
func Bool(v bool) Value           { return Value{kind: kindBool, b: v} }
func Int(v int64) Value           { return Value{kind: kindInt, i: v} }
func BigInt(v *big.Int) Value     { return Value{kind: kindBigInt, big: v} }
func Text(v string) Value         { return Value{kind: kindText, s: v} }
func Blob(v []byte) Value         { return Value{kind: kindBlob, bytes: v} }

// IsNull reports whether this value represents SQL NULL.
func (v Value) IsNull() bool { return v.null }

// Int64 returns v's integer value, or 0 if v is not an integer or big-
// integer kind (big integers that overflow int64 are cut to their low
// 64 bits by big.Int.Int64, which this client never exercises: every
// column it decodes as BigInt is an identifier, never an arithmetic
// value).
func (v Value) Int64() int64 {
	switch v.kind {
	case kindInt:
		return v.i
	case kindBigInt:
		if v.big != nil {
			return v.big.Int64()
		}
	}
	return 0
}

// BoolValue returns v's boolean value, false if v is not boolean.
func (v Value) BoolValue() bool { return v.kind == kindBool && v.b }

// TextValue returns v's text, or "" if v is not text (including NULL).
func (v Value) TextValue() string {
	if v.kind == kindText {
		return v.s
	}
	return ""
}

// BytesValue returns v's raw bytes, nil if v is not a blob.
func (v Value) BytesValue() []byte {
	if v.kind == kindBlob {
		return v.bytes
	}
	return nil
}

// String renders v for logging (e.g. a %v in a log.Significant call),
// not for the wire — use WireText for that.
func (v Value) String() string {
	if v.null {
		return "<null>"
	}
	switch v.kind {
	case kindBool:
		return strconv.FormatBool(v.b)
	case kindInt:
		return strconv.FormatInt(v.i, 10)
	case kindBigInt:
		return v.big.String()
	case kindText:
		return v.s
	case kindBlob:
		return fmt.Sprintf("<%d bytes>", len(v.bytes))
	default:
		return "<unknown>"
	}
}

// WireText renders v as PostgreSQL's text wire format, nil meaning NULL
// (the client always binds and decodes in text format; see
// pgwire.BindMessage).
func (v Value) WireText() []byte {
	if v.null {
		return nil
	}
	switch v.kind {
	case kindBool:
		if v.b {
			return []byte("t")
		}
		return []byte("f")
	case kindInt:
		return []byte(strconv.FormatInt(v.i, 10))
	case kindBigInt:
		return []byte(v.big.String())
	case kindText:
		return []byte(v.s)
	case kindBlob:
		// hex format, \x-prefixed, the text encoding Postgres uses for bytea.
		out := make([]byte, 2+2*len(v.bytes))
		out[0], out[1] = '\\', 'x'
		const hex = "0123456789abcdef"
		for i, b := range v.bytes {
			out[2+2*i] = hex[b>>4]
			out[2+2*i+1] = hex[b&0xf]
		}
		return out
	default:
		return nil
	}
}

// DecodeColumn parses a DataRow column's raw text bytes (nil meaning
// NULL) into a Value, per the column's declared type OID.
func DecodeColumn(oid int32, raw []byte) (Value, error) {
	if raw == nil {
		return Null(), nil
	}
	switch oid {
	case oidBool:
		return Bool(len(raw) > 0 && raw[0] == 't'), nil
	case oidInt2, oidInt4, oidInt8:
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("db: decoding int column: %w", err)
		}
		return Int(n), nil
	case oidNumeric:
		n := new(big.Int)
		if _, ok := n.SetString(string(raw), 10); !ok {
			return Text(string(raw)), nil // non-integral numeric, keep as text
		}
		return BigInt(n), nil
	case oidBytea:
		return Blob(decodeBytea(raw)), nil
	default:
		return Text(string(raw)), nil
	}
}

func decodeBytea(raw []byte) []byte {
	if len(raw) >= 2 && raw[0] == '\\' && raw[1] == 'x' {
		hexPart := raw[2:]
		out := make([]byte, len(hexPart)/2)
		for i := range out {
			hi := unhex(hexPart[2*i])
			lo := unhex(hexPart[2*i+1])
			out[i] = hi<<4 | lo
		}
		return out
	}
	return raw
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}

// Well-known OIDs this client needs to distinguish when decoding,
// mirroring github.com/lib/pq/oid's constants (the pack's own Postgres
// driver dependency) rather than re-deriving the numbers from scratch.
const (
	oidBool    = 16
	oidBytea   = 17
	oidInt8    = 20
	oidInt2    = 21
	oidInt4    = 23
	oidNumeric = 1700
)
