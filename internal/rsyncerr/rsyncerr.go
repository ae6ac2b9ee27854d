// Package rsyncerr defines the error taxonomy implemented here:
// protocol errors are always fatal, per-file errors accumulate into an
// ioError bitmask and never abort the session, and interruption is
// surfaced distinctly from both.
package rsyncerr

import (
	"errors"
	"fmt"

	rsync "github.com/gokr-tools/grsync"
)

// Protocol wraps an error that represents a fatal, unrecoverable
// violation of the wire protocol (malformed frame, bad index,
// unexpected phase, invalid flag combination). The caller must tear
// down the session.
type Protocol struct {
	Err error
}

func (p *Protocol) Error() string { return fmt.Sprintf("protocol error: %v", p.Err) }
func (p *Protocol) Unwrap() error { return p.Err }

// NewProtocol builds a Protocol error from a fmt.Errorf-style format
// and arguments.
func NewProtocol(format string, a ...any) error {
	return &Protocol{Err: fmt.Errorf(format, a...)}
}

// Security represents a per-file security violation (path traversal,
// non-preservable filename). It never aborts the session: the
// offending file is skipped and IOErrorGeneral is set.
type Security struct {
	Path string
	Err error
}

func (s *Security) Error() string {
	return fmt.Sprintf("security violation for %q: %v", s.Path, s.Err)
}
func (s *Security) Unwrap() error { return s.Err }

// Interrupted indicates the session was cancelled via context.
type Interrupted struct {
	Err error
}

func (i *Interrupted) Error() string { return fmt.Sprintf("interrupted: %v", i.Err) }
func (i *Interrupted) Unwrap() error { return i.Err }

// IsProtocol reports whether err (or something it wraps) is a Protocol error.
func IsProtocol(err error) bool {
	var p *Protocol
	return errors.As(err, &p)
}

// IsInterrupted reports whether err (or something it wraps) is an Interrupted error.
func IsInterrupted(err error) bool {
	var i *Interrupted
	return errors.As(err, &i)
}

// Accumulator tracks the session-wide ioError bitmask.
// Accumulator is safe only for use by its single owning goroutine;
// the Generator and Receiver each keep their own, and nothing merges
// the two into one session-wide value.
type Accumulator struct {
	bits int
}

func (a *Accumulator) Add(bit int) { a.bits |= bit }
func (a *Accumulator) Bits() int { return a.bits }
func (a *Accumulator) Clean() bool { return a.bits == 0 }
func (a *Accumulator) HasAny(bit int) bool { return a.bits&bit != 0 }

// DisablesDelete reports whether the accumulated errors must disable
// --delete for the remainder of the session.
func (a *Accumulator) DisablesDelete() bool {
	return a.bits&(rsync.IOErrorGeneral|rsync.IOErrorTransfer) != 0
}
