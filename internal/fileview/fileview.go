// Package fileview implements the sliding window over a local file
// used by the Sender's matching algorithm.
package fileview

import "io"

// View is a sliding window over an io.ReaderAt, buffering up to
// bufferSize bytes at once and exposing mark/slide semantics so the
// Sender can track unsent literal bytes without re-reading them.
type View struct {
	r io.ReaderAt
	bufferSize int
	buf []byte // len(buf) == current windowLength, cap <= bufferSize

	startOffset int64 // left edge of buf within the file
	markOffset int64 // left edge of unsent literal bytes
	fileSize int64

	ioError error // deferred until Close
}

// New opens a view over r (a file of the given size) with the
// requested buffer size (at least windowLength bytes).
func New(r io.ReaderAt, fileSize int64, bufferSize int) (*View, error) {
	v := &View{r: r, bufferSize: bufferSize, fileSize: fileSize}
	if err := v.fill(0, min(bufferSize, int(fileSize))); err != nil && err != io.EOF {
		return nil, err
	}
	return v, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// WindowLength is the number of bytes currently buffered starting at StartOffset.
func (v *View) WindowLength() int { return len(v.buf) }

func (v *View) StartOffset() int64 { return v.startOffset }
func (v *View) EndOffset() int64 {
	if len(v.buf) == 0 {
		return v.startOffset - 1
	}
	return v.startOffset + int64(len(v.buf)) - 1
}
func (v *View) MarkOffset() int64 { return v.markOffset }
func (v *View) RemainingBytes() int64 { return v.fileSize - v.startOffset }
func (v *View) FileSize() int64 { return v.fileSize }

// Window returns the currently buffered bytes. The slice is only
// valid until the next Slide call.
func (v *View) Window() []byte { return v.buf }

// ReadLiteral reads the byte range [from, to) directly from the
// backing file, independent of what the sliding window currently has
// buffered. Used to emit literal tokens for bytes the window has
// already slid past.
func (v *View) ReadLiteral(from, to int64) ([]byte, error) {
	if to <= from {
		return nil, nil
	}
	buf := make([]byte, to-from)
	n, err := v.r.ReadAt(buf, from)
	if err == io.EOF && int64(n) == to-from {
		err = nil
	}
	return buf[:n], err
}

// Slide advances the window forward by n bytes (n is usually 1),
// refilling the buffer up to bufferSize bytes. I/O errors are
// recorded and surfaced only from Close, rather than from every Slide
// call.
func (v *View) Slide(n int) {
	newStart := v.startOffset + int64(n)
	if newStart > v.fileSize {
		newStart = v.fileSize
	}
	remaining := v.fileSize - newStart
	want := v.bufferSize
	if int64(want) > remaining {
		want = int(remaining)
	}
	if err := v.fill(newStart, want); err != nil && err != io.EOF {
		v.ioError = err
	}
}

func (v *View) fill(offset int64, want int) error {
	v.startOffset = offset
	if want <= 0 {
		v.buf = v.buf[:0]
		return nil
	}
	buf := make([]byte, want)
	n, err := v.r.ReadAt(buf, offset)
	v.buf = buf[:n]
	if err == io.EOF && n == want {
		return nil
	}
	return err
}

// AdvanceMark moves markOffset forward to at least newMark (called
// after emitting pending literal bytes or a matched block).
func (v *View) AdvanceMark(newMark int64) { v.markOffset = newMark }

// Close reports any deferred I/O error encountered while sliding.
func (v *View) Close() error { return v.ioError }
