// Package rsyncchecksum implements the two hash primitives the delta
// engine is built on: a weak, O(1)-updatable rolling checksum for
// finding candidate block matches, and a strong, seeded MD5 hash for
// confirming them.
package rsyncchecksum

// charOffset is added to every byte before folding it into the weak
// checksum. Upstream rsync does this so that a run of zero bytes
// doesn't produce a zero checksum; the value must match byte-for-byte
// to interoperate with rsync protocol 30 peers.
const charOffset = 10

// Rolling is the weak "Adler-like" checksum rsync's matching algorithm
// relies on: a two-accumulator sum that can be updated in O(1) as the
// window slides one byte at a time, via Subtract then Add.
type Rolling struct {
	s1, s2 uint32
}

// NewRolling computes the initial rolling checksum over window from scratch.
func NewRolling(window []byte) *Rolling {
	r := &Rolling{}
	for _, b := range window {
		r.s1 += uint32(b) + charOffset
		r.s2 += r.s1
	}
	return r
}

// Subtract removes the leftmost byte b of a window of length
// windowLen from the running sums, in preparation for Add sliding the
// window forward by one byte.
func (r *Rolling) Subtract(b byte, windowLen int) {
	v := uint32(b) + charOffset
	r.s1 -= v
	r.s2 -= uint32(windowLen) * v
}

// Add folds the new rightmost byte of the window into the running sums.
func (r *Rolling) Add(b byte) {
	r.s1 += uint32(b) + charOffset
	r.s2 += r.s1
}

// Sum returns the 32-bit weak checksum value as transmitted on the wire.
func (r *Rolling) Sum() uint32 {
	return (r.s1 & 0xffff) + (r.s2 << 16)
}

// Checksum1 computes the weak checksum over data in one shot; it is
// equivalent to NewRolling(data).Sum() and exists for call sites that
// don't need incremental updates (e.g. the Generator hashing each
// block once).
func Checksum1(data []byte) uint32 {
	return NewRolling(data).Sum()
}
