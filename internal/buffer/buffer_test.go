package buffer

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	s := []byte("the quick brown fox jumps over the lazy dog")
	b := New()
	b.Append(s)
	if got := b.CopyPrefix(len(s)); !bytes.Equal(got, s) {
		t.Fatalf("CopyPrefix = %q, want %q", got, s)
	}
	b.Discard(len(s))
	if b.Size() != 0 {
		t.Fatalf("Size after full discard = %d, want 0", b.Size())
	}
}

func TestExtractLine(t *testing.T) {
	b := New()
	b.Append([]byte("a\r\nb\n"))

	line, ok := b.ExtractLine(1024)
	if !ok || string(line) != "a" {
		t.Fatalf("first line = %q, %v; want \"a\", true", line, ok)
	}
	line, ok = b.ExtractLine(1024)
	if !ok || string(line) != "b" {
		t.Fatalf("second line = %q, %v; want \"b\", true", line, ok)
	}
	if b.Size() != 0 {
		t.Fatalf("Size after extracting both lines = %d, want 0", b.Size())
	}
}

func TestExtractLineMissing(t *testing.T) {
	b := New()
	b.Append([]byte("no newline here"))
	if _, ok := b.ExtractLine(1024); ok {
		t.Fatalf("ExtractLine found a line in input with no terminator")
	}
}

func TestByteAtOutOfRange(t *testing.T) {
	b := New()
	b.Append([]byte("ab"))
	if got := b.ByteAt(5); got != 0 {
		t.Fatalf("ByteAt(5) = %d, want 0", got)
	}
}

func TestAppendAcrossChunks(t *testing.T) {
	b := New()
	big := bytes.Repeat([]byte("x"), minChunkCap+10)
	b.Append(big)
	b.Append([]byte("tail"))
	if b.Size() != len(big)+4 {
		t.Fatalf("Size = %d, want %d", b.Size(), len(big)+4)
	}
	got := b.CopyPrefix(b.Size())
	want := append(append([]byte{}, big...), []byte("tail")...)
	if !bytes.Equal(got, want) {
		t.Fatalf("CopyPrefix mismatch after multi-chunk append")
	}
}
