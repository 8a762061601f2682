// Package pgwire implements the wire-level framing of the PostgreSQL v3
// frontend/backend protocol (spec.md §4.3, §6): the 1-byte type tag plus
// 4-byte big-endian length (inclusive of the length field itself) that
// prefixes every message after startup, and the handful of untagged
// messages (StartupMessage, SSLRequest, CancelRequest) exchanged before
// a type tag is in play. It owns no socket and no scheduling; it is pure
// encode/decode, shared by every *db.Backend.
package pgwire

import (
	"encoding/binary"
	"fmt"

	"github.com/arbora/mailstored/internal/buffer"
)

// Backend (server-to-client) message type tags.
const (
	Authentication     = 'R'
	BackendKeyData     = 'K'
	BindComplete       = '2'
	CloseComplete      = '3'
	CommandComplete    = 'C'
	CopyInResponse     = 'G'
	DataRow            = 'D'
	EmptyQueryResponse = 'I'
	ErrorResponse      = 'E'
	NoData             = 'n'
	NoticeResponse     = 'N'
	NotificationResp   = 'A'
	ParameterDescr     = 't'
	ParameterStatus    = 'S'
	ParseComplete      = '1'
	ReadyForQuery      = 'Z'
	RowDescription     = 'T'
)

// Frontend (client-to-server) message type tags, sent after startup.
const (
	Bind        = 'B'
	Close       = 'C'
	CopyData    = 'd'
	CopyDone    = 'c'
	CopyFail    = 'f'
	Describe    = 'D'
	Execute     = 'E'
	Flush       = 'H'
	Parse       = 'P'
	PasswordMsg = 'p'
	Query       = 'Q'
	Sync        = 'S'
	Terminate   = 'X'
)

// Authentication sub-type codes carried in an Authentication message's
// first int32.
const (
	AuthOk                = 0
	AuthCleartextPassword = 3
	AuthMD5Password       = 5
	AuthCrypt             = 4
)

// ProtocolVersion3 is the only startup protocol version this client
// speaks.
const ProtocolVersion3 = 0x00030000

// SSLRequestCode is the magic startup code a client sends to ask whether
// the server supports SSL before committing to the real StartupMessage.
const SSLRequestCode = 80877103

// CancelRequestCode is the magic startup code that identifies a
// CancelRequest.
const CancelRequestCode = 80877102

// Frame is one decoded backend message: a type tag and its payload (the
// bytes following the length field).
type Frame struct {
	Type    byte
	Payload []byte
}

// Reader decodes framed backend messages out of an *buffer.Buffer fed by
// the Reactor. It is stateless across calls beyond what's buffered.
type Reader struct {
	buf *buffer.Buffer
}

// NewReader wraps buf (typically a Connection's inbound buffer).
func NewReader(buf *buffer.Buffer) *Reader {
	return &Reader{buf: buf}
}

// Next returns the next fully-buffered frame, or ok=false if the buffer
// does not yet hold a complete message (type tag + 4-byte length +
// length-4 bytes of payload).
func (r *Reader) Next() (Frame, bool) {
	if r.buf.Size() < 5 {
		return Frame{}, false
	}
	typ := r.buf.ByteAt(0)
	lenBytes := r.buf.CopyPrefix(5)[1:5]
	length := binary.BigEndian.Uint32(lenBytes)
	if length < 4 {
		return Frame{}, false // malformed; caller should treat as protocol error
	}
	total := 1 + int(length)
	if r.buf.Size() < total {
		return Frame{}, false
	}
	full := r.buf.CopyPrefix(total)
	r.buf.Discard(total)
	return Frame{Type: typ, Payload: full[5:]}, true
}

// BadFrame reports whether the buffer's head looks like a frame whose
// declared length is too small to be valid (a protocol error per
// spec.md §7).
func (r *Reader) BadFrame() bool {
	if r.buf.Size() < 5 {
		return false
	}
	lenBytes := r.buf.CopyPrefix(5)[1:5]
	return binary.BigEndian.Uint32(lenBytes) < 4
}

// --- message construction -------------------------------------------------

// Writer accumulates bytes for a single outbound message or a pipelined
// run of them (extended query protocol messages are always sent as a
// batch: Parse, Bind, Describe, Execute, Sync).
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated wire bytes.
func (w *Writer) Bytes() []byte { return w.buf }

// Message appends a tagged message with the given payload, computing its
// length prefix.
func (w *Writer) Message(typ byte, payload []byte) *Writer {
	w.buf = append(w.buf, typ)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+4))
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, payload...)
	return w
}

// Untagged appends a message with no leading type byte (StartupMessage,
// SSLRequest, CancelRequest).
func (w *Writer) Untagged(payload []byte) *Writer {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+4))
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, payload...)
	return w
}

// CString returns s as a NUL-terminated byte string, the encoding every
// name/value in the protocol uses.
func CString(s string) []byte {
	return append([]byte(s), 0)
}

// Int32 returns v as 4 big-endian bytes.
func Int32(v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

// Int16 returns v as 2 big-endian bytes.
func Int16(v int16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return b[:]
}

// StartupMessage builds the unframed StartupMessage payload (protocol
// version followed by NUL-terminated key/value option pairs, terminated
// by an extra NUL byte).
func StartupMessage(options map[string]string) []byte {
	payload := Int32(ProtocolVersion3)
	for k, v := range options {
		payload = append(payload, CString(k)...)
		payload = append(payload, CString(v)...)
	}
	payload = append(payload, 0)
	return payload
}

// CancelRequest builds the unframed CancelRequest payload for the given
// backend process id and secret key (spec.md §4.3 Cancellation).
func CancelRequest(pid, secretKey int32) []byte {
	payload := Int32(CancelRequestCode)
	payload = append(payload, Int32(pid)...)
	payload = append(payload, Int32(secretKey)...)
	return payload
}

// ParseMessage builds a Parse message payload: statement name, SQL text,
// and a parameter type OID list (empty lets the server infer types).
func ParseMessage(name, sql string, paramTypeOIDs []int32) []byte {
	payload := CString(name)
	payload = append(payload, CString(sql)...)
	payload = append(payload, Int16(int16(len(paramTypeOIDs)))...)
	for _, oid := range paramTypeOIDs {
		payload = append(payload, Int32(oid)...)
	}
	return payload
}

// BindMessage builds a Bind message payload binding portal to statement
// with the given parameter values (already wire-encoded, nil meaning
// SQL NULL) using text format for both parameters and results.
func BindMessage(portal, statement string, params [][]byte) []byte {
	payload := CString(portal)
	payload = append(payload, CString(statement)...)
	payload = append(payload, Int16(0)...) // 0 format codes => all text
	payload = append(payload, Int16(int16(len(params)))...)
	for _, p := range params {
		if p == nil {
			payload = append(payload, Int32(-1)...)
			continue
		}
		payload = append(payload, Int32(int32(len(p)))...)
		payload = append(payload, p...)
	}
	payload = append(payload, Int16(0)...) // 0 result format codes => all text
	return payload
}

// DescribeMessage builds a Describe message payload for the unnamed
// portal ('P') or statement ('S').
func DescribeMessage(kind byte, name string) []byte {
	return append([]byte{kind}, CString(name)...)
}

// ExecuteMessage builds an Execute message payload for the unnamed
// portal (maxRows of 0 means "no limit").
func ExecuteMessage(portal string, maxRows int32) []byte {
	payload := CString(portal)
	payload = append(payload, Int32(maxRows)...)
	return payload
}

// CloseMessage builds a Close message payload for a portal ('P') or
// statement ('S').
func CloseMessage(kind byte, name string) []byte {
	return append([]byte{kind}, CString(name)...)
}

// ParseCString reads a NUL-terminated string starting at offset off,
// returning the string and the offset just past its terminator.
func ParseCString(b []byte, off int) (string, int, error) {
	for i := off; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[off:i]), i + 1, nil
		}
	}
	return "", off, fmt.Errorf("pgwire: unterminated string at offset %d", off)
}
