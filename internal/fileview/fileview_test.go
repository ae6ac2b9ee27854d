package fileview

import (
	"bytes"
	"testing"
)

func TestSlideRefillsWindow(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 10) // 100 bytes
	r := bytes.NewReader(data)

	v, err := New(r, int64(len(data)), 16)
	if err != nil {
		t.Fatal(err)
	}
	if v.WindowLength() != 16 {
		t.Fatalf("WindowLength() = %d, want 16", v.WindowLength())
	}
	if !bytes.Equal(v.Window(), data[:16]) {
		t.Fatalf("Window() = %q, want %q", v.Window(), data[:16])
	}

	v.Slide(1)
	if v.StartOffset() != 1 {
		t.Fatalf("StartOffset() = %d, want 1", v.StartOffset())
	}
	if !bytes.Equal(v.Window(), data[1:17]) {
		t.Fatalf("Window() after slide = %q, want %q", v.Window(), data[1:17])
	}

	v.Slide(90)
	if v.StartOffset() != 91 {
		t.Fatalf("StartOffset() = %d, want 91", v.StartOffset())
	}
	if v.WindowLength() != 9 {
		t.Fatalf("WindowLength() near EOF = %d, want 9", v.WindowLength())
	}
}

func TestReadLiteralIndependentOfWindow(t *testing.T) {
	data := []byte("abcdefghijklmnop")
	r := bytes.NewReader(data)
	v, err := New(r, int64(len(data)), 4)
	if err != nil {
		t.Fatal(err)
	}
	got, err := v.ReadLiteral(2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data[2:10]) {
		t.Fatalf("ReadLiteral(2,10) = %q, want %q", got, data[2:10])
	}
}
