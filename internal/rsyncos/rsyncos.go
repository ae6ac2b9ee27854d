// Package rsyncos abstracts the standard streams the core writes
// progress/error output to, so callers (rsyncd.Server in particular)
// can redirect them to a module-specific log file instead of the
// real process streams.
package rsyncos

import (
	"io"
	"os"
)

// Std holds the three standard streams. Any nil field falls back to
// the corresponding os.Std{in,out,err} stream.
type Std struct {
	Stdin io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (s Std) stdin() io.Reader {
	if s.Stdin != nil {
		return s.Stdin
	}
	return os.Stdin
}

func (s Std) stdout() io.Writer {
	if s.Stdout != nil {
		return s.Stdout
	}
	return os.Stdout
}

func (s Std) stderr() io.Writer {
	if s.Stderr != nil {
		return s.Stderr
	}
	return os.Stderr
}

// In, Out and Err resolve s's streams, defaulting to the real process streams.
func (s Std) In() io.Reader { return s.stdin() }
func (s Std) Out() io.Writer { return s.stdout() }
func (s Std) Err() io.Writer { return s.stderr() }
