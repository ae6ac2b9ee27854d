package rsyncwire

// SumHead is the wire form of the Checksum.Header: it describes
// how a file was split into blocks for matching, followed on the wire
// by ChunkCount chunk checksums (see Chunk below). A BlockLength of 0
// means the generator found nothing locally worth matching against
// and the sender should transfer the file whole.
type SumHead struct {
	ChunkCount int32
	BlockLength int32
	Remainder int32
	DigestLength int32
}

// ReadFrom reads a Checksum.Header from c in the order upstream rsync
// uses: chunk count, block length, remainder (final block size, 0 if
// uniform), digest length.
func (s *SumHead) ReadFrom(c *Conn) error {
	var err error
	if s.ChunkCount, err = c.ReadInt32(); err != nil {
		return err
	}
	if s.BlockLength, err = c.ReadInt32(); err != nil {
		return err
	}
	if s.Remainder, err = c.ReadInt32(); err != nil {
		return err
	}
	if s.DigestLength, err = c.ReadInt32(); err != nil {
		return err
	}
	return nil
}

// WriteTo writes s to c in the same field order ReadFrom expects.
func (s *SumHead) WriteTo(c *Conn) error {
	if err := c.WriteInt32(s.ChunkCount); err != nil {
		return err
	}
	if err := c.WriteInt32(s.BlockLength); err != nil {
		return err
	}
	if err := c.WriteInt32(s.Remainder); err != nil {
		return err
	}
	return c.WriteInt32(s.DigestLength)
}

// Chunk is the wire form of the Checksum.Chunk: one block's weak
// rolling hash plus the first DigestLength bytes of its strong hash.
type Chunk struct {
	Index int32
	WeakHash uint32
	StrongHash []byte // length == SumHead.DigestLength
}

// ReadChunk reads a single chunk's weak hash and digestLength-byte
// strong hash prefix. Index is not transmitted; callers number chunks
// by read order.
func ReadChunk(c *Conn, digestLength int32, index int32) (Chunk, error) {
	weak, err := c.ReadInt32()
	if err != nil {
		return Chunk{}, err
	}
	strong, err := c.ReadN(int(digestLength))
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Index: index, WeakHash: uint32(weak), StrongHash: strong}, nil
}

// WriteChunk writes ch's weak hash followed by its strong hash prefix.
func WriteChunk(c *Conn, ch Chunk) error {
	if err := c.WriteInt32(int32(ch.WeakHash)); err != nil {
		return err
	}
	return c.WriteN(ch.StrongHash)
}
