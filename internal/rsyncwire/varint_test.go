package rsyncwire

import (
	"bytes"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	cases := []struct {
		v int64
		minBytes int
	}{
		{0, 3}, {1, 3}, {127, 3}, {1 << 20, 3}, {1 << 30, 3}, {1 << 40, 3},
		{0, 4}, {1, 4}, {1 << 28, 4}, {1 << 40, 4}, {1 << 62, 4},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		if err := WriteVarint(&Conn{Writer: &buf}, tc.v, tc.minBytes); err != nil {
			t.Fatalf("WriteVarint(%d, %d): %v", tc.v, tc.minBytes, err)
		}
		got, err := ReadVarint(&Conn{Reader: &buf}, tc.minBytes)
		if err != nil {
			t.Fatalf("ReadVarint(%d, %d): %v", tc.v, tc.minBytes, err)
		}
		if got != tc.v {
			t.Fatalf("round trip(%d, minBytes=%d) = %d", tc.v, tc.minBytes, got)
		}
	}
}

func TestVarintSmallValuesStayMinimal(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteVarint(&Conn{Writer: &buf}, 5, 3); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 3 {
		t.Fatalf("encoded length = %d, want 3 (no extension byte needed)", buf.Len())
	}
}
