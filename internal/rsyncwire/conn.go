// Package rsyncwire implements the framed duplex channel: a
// bidirectional byte stream carrying interleaved data payloads and
// tagged control messages, plus the stateful variable-length index
// codec used to reference file-list entries.
package rsyncwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gokr-tools/grsync/internal/rsyncerr"
)

// Message codes for the tagged multiplexing layer. The wire tag's
// high byte is (code + 7); MsgData (0) is the implicit default for
// untagged application bytes and is never used as an explicit
// WriteMsg code from application code (Flush does that internally).
const (
	MsgData = 0
	MsgErrorXfer = 1
	MsgInfo = 2
	MsgError = 3
	MsgWarning = 4
	MsgLog = 5
	MsgRedo = 9
	MsgStats = 10
	MsgIOError = 22
	MsgNoop = 42
	MsgSuccess = 100
	MsgDeleted = 101
	MsgNoSend = 102
)

// ErrChannelEOF is returned when the stream ends mid-frame; always fatal.
var ErrChannelEOF = rsyncerr.NewProtocol("unexpected end of channel")

// Conn bundles a Reader and Writer for a single rsync session side.
// The Reader is typically a *bufio.Reader wrapping a *MultiplexReader
// on the client side of a daemon connection, and Writer is typically
// a *MultiplexWriter so that every byte the peer sees is correctly
// tagged.
type Conn struct {
	Reader io.Reader
	Writer io.Writer
}

func (c *Conn) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(c.Reader, buf[:]); err != nil {
		return 0, wrapEOF(err)
	}
	return buf[0], nil
}

func (c *Conn) ReadN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.Reader, buf); err != nil {
		return nil, wrapEOF(err)
	}
	return buf, nil
}

func (c *Conn) ReadInt32() (int32, error) {
	buf, err := c.ReadN(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf)), nil
}

// ReadInt64 mirrors rsync's variable-width encoding: a value that
// fits in 32 bits non-negatively is sent as a single int32; otherwise
// a -1 sentinel int32 is sent, followed by the full 8-byte value.
func (c *Conn) ReadInt64() (int64, error) {
	v, err := c.ReadInt32()
	if err != nil {
		return 0, err
	}
	if v != -1 {
		return int64(v), nil
	}
	buf, err := c.ReadN(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

func (c *Conn) WriteByte(b byte) error {
	_, err := c.Writer.Write([]byte{b})
	return err
}

func (c *Conn) WriteN(b []byte) error {
	_, err := c.Writer.Write(b)
	return err
}

func (c *Conn) WriteInt32(v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return c.WriteN(buf[:])
}

func (c *Conn) WriteInt64(v int64) error {
	if v >= 0 && v <= 0x7FFFFFFF {
		return c.WriteInt32(int32(v))
	}
	if err := c.WriteInt32(-1); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return c.WriteN(buf[:])
}

func (c *Conn) WriteString(s string) error {
	_, err := io.WriteString(c.Writer, s)
	return err
}

// Flush forwards to the Writer's Flush method, if it has one (true
// for *MultiplexWriter and *bufio.Writer). Conn callers use this at
// phase boundaries where the next read depends on bytes actually
// having reached the peer.
func (c *Conn) Flush() error {
	type flusher interface{ Flush() error }
	if f, ok := c.Writer.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func wrapEOF(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrChannelEOF
	}
	return fmt.Errorf("rsyncwire: %w", err)
}
