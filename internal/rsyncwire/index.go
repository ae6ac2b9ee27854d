package rsyncwire

import rsync "github.com/gokr-tools/grsync"

// IndexDecoder decodes the stateful variable-length signed index
// encoding used to reference entries in the file list.
// It is not safe for concurrent use; each direction of a session keeps
// exactly one decoder (and the peer one matching encoder).
type IndexDecoder struct {
	conn *Conn
	prevPos int32
	prevNeg int32
}

// NewIndexDecoder returns a decoder primed the way upstream rsync
// primes it: the first index following NDX_DONE is encoded as a diff
// against -1, not 0, so that an actual index value of 0 never collides
// with the 0x00 DONE terminator byte.
func NewIndexDecoder(c *Conn) *IndexDecoder { return &IndexDecoder{conn: c, prevPos: -1, prevNeg: -1} }

// Read returns the next index, or rsync.IndexDone when the peer signals end-of-list.
func (d *IndexDecoder) Read() (int32, error) {
	b, err := d.conn.ReadByte()
	if err != nil {
		return 0, err
	}
	if b == 0x00 {
		return rsync.IndexDone, nil
	}

	negative := false
	base := d.prevPos
	if b == 0xFF {
		negative = true
		base = d.prevNeg
		b, err = d.conn.ReadByte()
		if err != nil {
			return 0, err
		}
	}

	var value int32
	if b == 0xFE {
		b1, err := d.conn.ReadByte()
		if err != nil {
			return 0, err
		}
		if b1&0x80 != 0 {
			rest, err := d.conn.ReadN(3)
			if err != nil {
				return 0, err
			}
			value = int32(b1&0x7F)<<24 | int32(rest[0])<<16 | int32(rest[1])<<8 | int32(rest[2])
		} else {
			b2, err := d.conn.ReadByte()
			if err != nil {
				return 0, err
			}
			value = (int32(b1)<<8 | int32(b2)) + base
		}
	} else {
		value = int32(b) + base
	}

	if negative {
		d.prevNeg = value
		return -value, nil
	}
	d.prevPos = value
	return value, nil
}

// IndexEncoder is the write-side counterpart of IndexDecoder.
type IndexEncoder struct {
	conn *Conn
	prevPos int32
	prevNeg int32
}

// NewIndexEncoder mirrors NewIndexDecoder's priming; see its comment.
func NewIndexEncoder(c *Conn) *IndexEncoder { return &IndexEncoder{conn: c, prevPos: -1, prevNeg: -1} }

func (e *IndexEncoder) Write(index int32) error {
	if index == rsync.IndexDone {
		return e.conn.WriteByte(0x00)
	}

	negative := index < 0
	abs := index
	base := e.prevPos
	if negative {
		abs = -index
		base = e.prevNeg
	}

	if negative {
		if err := e.conn.WriteByte(0xFF); err != nil {
			return err
		}
	}

	diff := abs - base
	switch {
	case diff >= 0 && diff < 0xFE:
		if err := e.conn.WriteByte(byte(diff)); err != nil {
			return err
		}
	case diff >= 0 && diff < 0x8000:
		// A set high bit in the byte after 0xFE marks the 4-byte form.
		if err := e.conn.WriteByte(0xFE); err != nil {
			return err
		}
		if err := e.conn.WriteByte(byte(diff >> 8)); err != nil {
			return err
		}
		if err := e.conn.WriteByte(byte(diff)); err != nil {
			return err
		}
	default:
		if err := e.conn.WriteByte(0xFE); err != nil {
			return err
		}
		if err := e.conn.WriteByte(byte(abs>>24) | 0x80); err != nil {
			return err
		}
		if err := e.conn.WriteByte(byte(abs >> 16)); err != nil {
			return err
		}
		if err := e.conn.WriteByte(byte(abs >> 8)); err != nil {
			return err
		}
		if err := e.conn.WriteByte(byte(abs)); err != nil {
			return err
		}
	}

	if negative {
		e.prevNeg = abs
	} else {
		e.prevPos = abs
	}
	return nil
}
