package rsyncchecksum

import (
	"crypto/md5"
	"encoding/binary"
	"hash"
)

// StrongHash computes the seeded MD5 digest of data: MD5(window ||
// checksumSeed), truncated to digestLength bytes for comparison
// against a peer-supplied Checksum.Chunk prefix.
func StrongHash(data []byte, seed int32, digestLength int) []byte {
	h := md5.New()
	h.Write(data)
	var s [4]byte
	binary.LittleEndian.PutUint32(s[:], uint32(seed))
	h.Write(s[:])
	sum := h.Sum(nil)
	return sum[:digestLength]
}

// WholeFileHash accumulates the running whole-file MD5 a Receiver
// verifies against after reconstructing a file, over both literal and
// matched-block bytes, seeded the same way as per-block strong
// hashes.
type WholeFileHash struct {
	h hash.Hash
	seed int32
}

func NewWholeFileHash(seed int32) *WholeFileHash {
	return &WholeFileHash{h: md5.New(), seed: seed}
}

func (w *WholeFileHash) Write(p []byte) (int, error) {
	return w.h.Write(p)
}

// Sum finalizes the digest. It must be called at most once.
func (w *WholeFileHash) Sum() []byte {
	var s [4]byte
	binary.LittleEndian.PutUint32(s[:], uint32(w.seed))
	w.h.Write(s[:])
	return w.h.Sum(nil)
}
