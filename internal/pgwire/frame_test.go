package pgwire

import (
	"bytes"
	"testing"

	"github.com/arbora/mailstored/internal/buffer"
)

func TestWriterThenReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.Message(Query, append(CString("select 1"), 0))

	buf := buffer.New()
	buf.Append(w.Bytes())

	r := NewReader(buf)
	f, ok := r.Next()
	if !ok {
		t.Fatalf("Next() returned ok=false for a complete frame")
	}
	if f.Type != Query {
		t.Fatalf("Type = %c, want %c", f.Type, Query)
	}
	if got := string(f.Payload[:8]); got != "select 1" {
		t.Fatalf("Payload = %q", got)
	}
}

func TestReaderWaitsForFullFrame(t *testing.T) {
	w := NewWriter()
	w.Message(Query, []byte("select 1"))
	full := w.Bytes()

	buf := buffer.New()
	buf.Append(full[:len(full)-1])

	r := NewReader(buf)
	if _, ok := r.Next(); ok {
		t.Fatalf("Next() returned a frame before the payload was fully buffered")
	}

	buf.Append(full[len(full)-1:])
	if _, ok := r.Next(); !ok {
		t.Fatalf("Next() did not return the frame once complete")
	}
}

func TestBindMessageEncodesNullParam(t *testing.T) {
	payload := BindMessage("", "", [][]byte{nil, []byte("x")})
	// portal "" (1 byte NUL) + stmt "" (1 byte NUL) + 2 format codes +
	// 2 param count + 4 (len=-1) + 4+1 (len=1,'x') + 2 result format codes
	want := 1 + 1 + 2 + 2 + 4 + 5 + 2
	if len(payload) != want {
		t.Fatalf("len(payload) = %d, want %d", len(payload), want)
	}
	if !bytes.Contains(payload, []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("payload does not encode a -1 length for the null parameter")
	}
}
