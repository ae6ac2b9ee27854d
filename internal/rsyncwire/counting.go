package rsyncwire

import "io"

// CountingReader wraps an io.Reader and tracks the number of bytes
// read from the underlying transport, independent of how many
// application-level bytes those translate to once de-multiplexed.
// Used to populate TransferStats.TotalBytesRead.
type CountingReader struct {
	R io.Reader
	Bytes int64
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	c.Bytes += int64(n)
	return n, err
}

// CountingWriter is the write-side equivalent of CountingReader,
// populating TransferStats.TotalBytesWritten.
type CountingWriter struct {
	W io.Writer
	Bytes int64
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	c.Bytes += int64(n)
	return n, err
}

// CounterPair wraps r and w for byte-accounting purposes.
func CounterPair(r io.Reader, w io.Writer) (*CountingReader, *CountingWriter) {
	return &CountingReader{R: r}, &CountingWriter{W: w}
}
