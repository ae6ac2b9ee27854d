// Package flist implements the incremental-recursion file list
// implemented here: FileInfo entries grouped into
// FIFO Segments that expand lazily as stub directories are visited.
package flist

import (
	"fmt"
	slashpath "path"
	"path/filepath"
	"strings"
	"sync"

	rsync "github.com/gokr-tools/grsync"
)

// Kind distinguishes the FileInfo variants.
type Kind int

const (
	Regular Kind = iota
	Directory
	Symlink
	Device
	Special // fifo/socket
	Untransferrable
)

// DeviceType further classifies a Device FileInfo.
type DeviceType int

const (
	DeviceBlock DeviceType = iota
	DeviceChar
	DeviceFIFO
	DeviceSocket
)

// Attributes holds the metadata rsync preserves for an entry. Empty
// UserName/GroupName means "resolve by id"; the id is always
// authoritative on the wire.
type Attributes struct {
	Mode uint32 // POSIX file-type bits + permission bits
	Size int64
	ModTime int64 // whole seconds
	UID int
	GID int
	UserName string
	GroupName string
	DevMajor int32
	DevMinor int32
}

// FileInfo is the transferable unit. Path is relative to the
// transfer root and uses forward slashes regardless of host OS.
type FileInfo struct {
	Path string
	Kind Kind
	DeviceType DeviceType
	LinkTarget string // Symlink only
	Attrs Attributes

	// LocalPath is set when this entry is Locatable: it carries a
	// resolved absolute path on the local filesystem, populated by the
	// side that walked the tree rather than decoded it off the wire.
	LocalPath string
}

func (f *FileInfo) IsDir() bool { return f.Kind == Directory }

// Less orders entries the way upstream rsync's file list does: "."
// sorts first, otherwise byte-lexicographic with directory names
// treated as trailed by '/'.
func Less(a, b *FileInfo) bool {
	if a.Path == "." {
		return b.Path != "."
	}
	if b.Path == "." {
		return false
	}
	ka, kb := sortKey(a), sortKey(b)
	return ka < kb
}

func sortKey(f *FileInfo) string {
	if f.IsDir() && !strings.HasSuffix(f.Path, "/") {
		return f.Path + "/"
	}
	return f.Path
}

// Equal reports whether two FileInfo entries name the same path.
func Equal(a, b *FileInfo) bool { return a.Path == b.Path }

// Segment is a FIFO-ordered batch of FileInfo entries sharing a
// common parent directory, plus an optional stub directory describing
// where the segment came from.
type Segment struct {
	Index int // index of this segment, for diagnostics only
	StubDirectory *FileInfo
	entries map[int32]*FileInfo // global index -> entry
	order []int32 // insertion order, for listSegment
	stubIndices map[int32]bool // subset of entries that are stub directories
}

func (s *Segment) Len() int { return len(s.entries) }

// Get returns the entry for index, or nil if the segment doesn't hold it.
func (s *Segment) Get(index int32) *FileInfo { return s.entries[index] }

// Remove deletes index from the segment once it has been fully
// reconciled.
func (s *Segment) Remove(index int32) {
	delete(s.entries, index)
	delete(s.stubIndices, index)
}

// Finished reports whether every entry in the segment has been
// reconciled.
func (s *Segment) Finished() bool { return len(s.entries) == 0 }

// Indices returns the segment's entries in the order they were added.
func (s *Segment) Indices() []int32 {
	out := make([]int32, 0, len(s.order))
	for _, idx := range s.order {
		if _, ok := s.entries[idx]; ok {
			out = append(out, idx)
		}
	}
	return out
}

// StubIndexOrNull reports whether index is a stub directory still
// awaiting expansion within this segment.
func (s *Segment) StubIndexOrNull(index int32) bool { return s.stubIndices[index] }

// IsExpandable reports whether the segment still holds any
// unexpanded stub directories.
func (s *Segment) IsExpandable() bool { return len(s.stubIndices) > 0 }

// TransferPlan is the Generator's per-file decision :
// how a regular file's local replica was split into blocks for the
// peer Sender to match against. BlockLength == 0 means no usable
// local data exists and the peer should send the file whole. The
// Receiver consults this by index once the peer echoes the index
// back with a token stream, rather than having it re-sent on the wire.
type TransferPlan struct {
	BlockLength int32
	Remainder int32
	DigestLength int32
	ChunkCount int32
	LocalPath string
}

// Filelist is the ordered collection of Segments shared between the
// Generator and Receiver. It is safe for concurrent use: the Receiver
// is always the sole writer, while both the Generator and Receiver
// may read.
type Filelist struct {
	mu sync.Mutex
	segments []*Segment
	nextIdx int32
	eof bool
	pendingExpansions int

	planMu sync.Mutex
	plans map[int32]TransferPlan

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

func New() *Filelist {
	return &Filelist{plans: make(map[int32]TransferPlan), notifyCh: make(chan struct{})}
}

// Wait returns a channel that closes the next time a segment is
// added, the head segment is removed, a transfer completes, an
// expansion ends, or EOF is set. Callers such as
// the Generator block on it (selecting against ctx.Done()) instead of
// polling GetFirstSegment in a busy loop.
func (l *Filelist) Wait() <-chan struct{} {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	return l.notifyCh
}

func (l *Filelist) signal() {
	l.notifyMu.Lock()
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	l.notifyMu.Unlock()
}

// SetTransferPlan records the Generator's decision for index so the
// Receiver can retrieve it once the peer echoes the index back.
func (l *Filelist) SetTransferPlan(index int32, p TransferPlan) {
	l.planMu.Lock()
	defer l.planMu.Unlock()
	l.plans[index] = p
}

// TransferPlan returns the plan previously recorded for index, if any.
func (l *Filelist) TransferPlan(index int32) (TransferPlan, bool) {
	l.planMu.Lock()
	defer l.planMu.Unlock()
	p, ok := l.plans[index]
	return p, ok
}

// FileAt looks up a FileInfo by its global index across all segments,
// for callers (Generator, Receiver) that only have the index handy.
func (l *Filelist) FileAt(index int32) *FileInfo {
	seg := l.GetSegmentWith(index)
	if seg == nil {
		return nil
	}
	return seg.Get(index)
}

// NewSegment assigns global indices to files and appends a new
// Segment to the FIFO tail.
func (l *Filelist) NewSegment(stub *FileInfo, files []*FileInfo) *Segment {
	l.mu.Lock()
	defer l.mu.Unlock()

	seg := &Segment{
		Index: len(l.segments),
		entries: make(map[int32]*FileInfo, len(files)),
		order: make([]int32, 0, len(files)),
		stubIndices: make(map[int32]bool),
	}
	if stub != nil {
		seg.StubDirectory = stub
	}
	for _, f := range files {
		idx := l.nextIdx
		l.nextIdx++
		seg.entries[idx] = f
		seg.order = append(seg.order, idx)
		if f.IsDir() && f.LocalPath != "" {
			// Directories default to stub (lazily expandable) unless the
			// caller has already fully expanded them; callers that walk
			// non-incrementally clear this via MarkExpanded.
			seg.stubIndices[idx] = true
		}
	}
	l.segments = append(l.segments, seg)
	l.signal()
	return seg
}

// CompleteTransfer removes index from seg once the Receiver has
// finished writing the file it names, waking any Generator blocked in
// Wait() so it can notice the segment may now be Finished.
func (l *Filelist) CompleteTransfer(seg *Segment, index int32) {
	seg.Remove(index)
	l.planMu.Lock()
	delete(l.plans, index)
	l.planMu.Unlock()
	l.signal()
}

// MarkExpanded removes index from its segment's stub set once the
// Sender has produced its child segment.
func (l *Filelist) MarkExpanded(seg *Segment, index int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(seg.stubIndices, index)
}

// BeginExpansion records that a stub-directory expansion request has
// been sent to the peer Sender and is awaiting its pushed segment, so
// Run doesn't mistake the gap between requesting it and the Receiver
// appending the child segment for overall completion.
func (l *Filelist) BeginExpansion() {
	l.mu.Lock()
	l.pendingExpansions++
	l.mu.Unlock()
}

// EndExpansion is called once the Receiver has appended the child
// segment the request in BeginExpansion asked for.
func (l *Filelist) EndExpansion() {
	l.mu.Lock()
	l.pendingExpansions--
	l.mu.Unlock()
	l.signal()
}

// HasPendingExpansions reports whether any expansion request is still
// awaiting its pushed segment.
func (l *Filelist) HasPendingExpansions() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingExpansions > 0
}

// GetFirstSegment returns the FIFO head, or nil if empty.
func (l *Filelist) GetFirstSegment() *Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.segments) == 0 {
		return nil
	}
	return l.segments[0]
}

// DeleteFirstSegment removes seg from the head of the FIFO. It is a
// protocol error to call this with anything but the current head.
func (l *Filelist) DeleteFirstSegment(seg *Segment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.segments) == 0 || l.segments[0] != seg {
		return fmt.Errorf("flist: DeleteFirstSegment called on non-head segment")
	}
	l.segments = l.segments[1:]
	l.signal()
	return nil
}

// GetSegmentWith returns the segment holding index, or nil.
func (l *Filelist) GetSegmentWith(index int32) *Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, seg := range l.segments {
		if seg.Get(index) != nil {
			return seg
		}
	}
	return nil
}

// IsExpandable reports whether any segment still has stub directories
// awaiting expansion.
func (l *Filelist) IsExpandable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, seg := range l.segments {
		if seg.IsExpandable() {
			return true
		}
	}
	return false
}

// SetEOF records that no further segments will ever be produced.
func (l *Filelist) SetEOF() {
	l.mu.Lock()
	l.eof = true
	l.mu.Unlock()
	l.signal()
}

func (l *Filelist) EOF() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eof
}

// SafeJoin resolves a peer-supplied relative path against root,
// rejecting absolute paths and any path whose ".." components would
// normalize outside of root. This is the one place a wire Path is
// turned into a filesystem path the Generator or Receiver may write
// to or delete.
func SafeJoin(root, relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("flist: empty path")
	}
	if slashpath.IsAbs(relPath) {
		return "", fmt.Errorf("flist: unsafe path %q: absolute", relPath)
	}
	clean := slashpath.Clean(relPath)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("flist: unsafe path %q: escapes destination root", relPath)
	}
	if clean == "." {
		return root, nil
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// StubOffsetIndex encodes a request to expand the stub directory at
// stubIndex as a negative wire value.
func StubOffsetIndex(stubIndex int32) int32 { return rsync.IndexOffset - stubIndex }

// StubIndexFromOffset inverts StubOffsetIndex.
func StubIndexFromOffset(wireValue int32) int32 { return rsync.IndexOffset - wireValue }
