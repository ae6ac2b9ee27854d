// Package rsyncstats holds the end-of-session transfer counters.
package rsyncstats

import "time"

// TransferStats accumulates the seven-plus counters observable at the
// end of a session. All fields are safe to read only after the
// session's Generator/Receiver/Sender goroutines have joined.
type TransferStats struct {
	TotalBytesRead int64
	TotalBytesWritten int64
	TotalFileSize int64
	TotalFileListSize int64
	TotalLiteralSize int64
	TotalMatchedSize int64
	NumFiles int
	NumTransferredFiles int
	TotalTransferredSize int64

	FileListBuildTime time.Duration
	FileListTransferTime time.Duration
}

// Add merges o's counters into s.
func (s *TransferStats) Add(o TransferStats) {
	s.TotalBytesRead += o.TotalBytesRead
	s.TotalBytesWritten += o.TotalBytesWritten
	s.TotalFileSize += o.TotalFileSize
	s.TotalFileListSize += o.TotalFileListSize
	s.TotalLiteralSize += o.TotalLiteralSize
	s.TotalMatchedSize += o.TotalMatchedSize
	s.NumFiles += o.NumFiles
	s.NumTransferredFiles += o.NumTransferredFiles
	s.TotalTransferredSize += o.TotalTransferredSize
	s.FileListBuildTime += o.FileListBuildTime
	s.FileListTransferTime += o.FileListTransferTime
}
