package rsyncwire

import (
	"bytes"
	"testing"

	rsync "github.com/gokr-tools/grsync"
)

func TestIndexCodecRoundTrip(t *testing.T) {
	values := []int32{0, 1, 2, 253, 254, 255, 1000, 65534, 65535, 100000,
		1 << 20, 1 << 30, -1, -2, -300, -70000}

	var buf bytes.Buffer
	enc := NewIndexEncoder(&Conn{Writer: &buf})
	for _, v := range values {
		if err := enc.Write(v); err != nil {
			t.Fatalf("Write(%d): %v", v, err)
		}
	}
	if err := enc.Write(rsync.IndexDone); err != nil {
		t.Fatalf("Write(IndexDone): %v", err)
	}

	dec := NewIndexDecoder(&Conn{Reader: &buf})
	for _, want := range values {
		got, err := dec.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if got != want {
			t.Fatalf("Read() = %d, want %d", got, want)
		}
	}
	got, err := dec.Read()
	if err != nil {
		t.Fatalf("Read(done): %v", err)
	}
	if got != rsync.IndexDone {
		t.Fatalf("Read() = %d, want IndexDone", got)
	}
}

func TestIndexCodecStatefulBias(t *testing.T) {
	// Consecutive ascending indices should encode to a single byte each
	// once the codec has seen a prior positive index, since the wire
	// form is a delta against the previous value of the same sign.
	var buf bytes.Buffer
	enc := NewIndexEncoder(&Conn{Writer: &buf})
	for i := int32(0); i < 10; i++ {
		if err := enc.Write(i); err != nil {
			t.Fatal(err)
		}
	}
	if got := buf.Len(); got != 10 {
		t.Fatalf("encoded length = %d, want 10 (one byte per ascending index)", got)
	}
}
