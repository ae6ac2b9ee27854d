package rsyncchecksum

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRollingMatchesFromScratch(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	data := make([]byte, 4096)
	rnd.Read(data)

	const window = 700
	r := NewRolling(data[:window])
	for start := 0; start+window+1 <= len(data); start++ {
		if got, want := r.Sum(), Checksum1(data[start:start+window]); got != want {
			t.Fatalf("at start=%d: rolling sum = %d, want %d (from scratch)", start, got, want)
		}
		r.Subtract(data[start], window)
		r.Add(data[start+window])
	}
}

func TestStrongHashTruncatesAndSeeds(t *testing.T) {
	data := []byte("the quick brown fox")
	full := StrongHash(data, 42, 16)
	short := StrongHash(data, 42, 8)
	if !bytes.Equal(full[:8], short) {
		t.Fatalf("short digest %x is not a prefix of full digest %x", short, full)
	}
	other := StrongHash(data, 43, 16)
	if bytes.Equal(full, other) {
		t.Fatal("StrongHash should depend on seed")
	}
}

func TestWholeFileHashIncremental(t *testing.T) {
	data := []byte("hello, world, this is a whole file digest test")
	oneShot := StrongHash(data, 7, 16)

	w := NewWholeFileHash(7)
	w.Write(data[:10])
	w.Write(data[10:])
	if got := w.Sum(); !bytes.Equal(got, oneShot) {
		t.Fatalf("incremental whole-file hash = %x, want %x", got, oneShot)
	}
}
