// Package sender implements the Sender side of a transfer: it walks a
// local source tree, publishes the resulting
// file list, then answers each index the peer's Generator emits with
// either "nothing to send" or a token stream built by matching the
// source file's bytes against the peer's block checksums.
//
// Sender only ever reads what the peer Generator writes (indices, item
// flags, checksum headers) and writes file-list entries, tokens and
// the final whole-file digest; it never touches the shared
// internal/flist.Filelist the local Generator/Receiver pair uses, since
// in this role the process IS the remote peer.
package sender

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	rsync "github.com/gokr-tools/grsync"
	"github.com/gokr-tools/grsync/internal/fileview"
	"github.com/gokr-tools/grsync/internal/filter"
	"github.com/gokr-tools/grsync/internal/flist"
	"github.com/gokr-tools/grsync/internal/fsattr"
	"github.com/gokr-tools/grsync/internal/log"
	"github.com/gokr-tools/grsync/internal/rsyncchecksum"
	"github.com/gokr-tools/grsync/internal/rsyncopts"
	"github.com/gokr-tools/grsync/internal/rsyncstats"
	"github.com/gokr-tools/grsync/internal/rsyncwire"
)

// FilterList is the exclusion list exchanged right after the daemon
// handshake . openrsync peers always send an empty list;
// this implementation neither generates nor applies non-empty ones yet.
type FilterList struct {
	Filters []string
}

// RecvFilterList reads a sequence of length-prefixed rule strings
// terminated by a zero-length entry.
func RecvFilterList(c *rsyncwire.Conn) (*FilterList, error) {
	var fl FilterList
	for {
		n, err := rsyncwire.ReadVarint(c, 1)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		b, err := c.ReadN(int(n))
		if err != nil {
			return nil, err
		}
		fl.Filters = append(fl.Filters, string(b))
	}
	return &fl, nil
}

// SendFilterList is RecvFilterList's write-side counterpart, used by
// the client when it plays the sender role.
func SendFilterList(c *rsyncwire.Conn, rules []string) error {
	for _, r := range rules {
		if err := rsyncwire.WriteVarint(c, int64(len(r)), 1); err != nil {
			return err
		}
		if err := c.WriteString(r); err != nil {
			return err
		}
	}
	return rsyncwire.WriteVarint(c, 0, 1)
}

// Transfer holds the state for one sender-role connection.
type Transfer struct {
	Logger log.Logger
	Opts *rsyncopts.Options
	Conn *rsyncwire.Conn
	Seed int32

	enc *flist.Encoder
	entries map[int32]sourceEntry
	nextIndex int32
	filter *filter.List
}

type sourceEntry struct {
	index int32
	relPath string
	localPath string
	isDir bool
	size int64
}

// Do sends one directory level of rootPath/paths at a time, handling
// the peer Generator's requests until it signals completion: the
// initial push covers the root and its immediate children, and every
// later negative index it emits asks this Sender to walk one further
// directory level and push it the same way.
func (t *Transfer) Do(crd *rsyncwire.CountingReader, cwr *rsyncwire.CountingWriter, rootPath string, paths []string, _ *FilterList) (*rsyncstats.TransferStats, error) {
	base := rootPath
	if len(paths) > 0 && paths[0] != "." && paths[0] != "" {
		base = filepath.Join(rootPath, paths[0])
	}

	t.enc = flist.NewEncoder(t.Conn)
	t.entries = make(map[int32]sourceEntry)
	if t.Opts != nil {
		t.filter = t.Opts.FilterList()
	}

	buildStart := time.Now()
	files, err := t.pushLevel(".", base)
	if err != nil {
		return nil, fmt.Errorf("sender: walking %s: %w", base, err)
	}
	buildTime := time.Since(buildStart)

	stats := &rsyncstats.TransferStats{
		NumFiles: len(files),
		FileListBuildTime: buildTime,
	}
	for _, f := range files {
		stats.TotalFileSize += f.Attrs.Size
	}

	if err := t.serve(stats); err != nil {
		return nil, err
	}

	stats.TotalBytesRead = crd.Bytes
	stats.TotalBytesWritten = cwr.Bytes
	return stats, nil
}

// pushLevel lists dir's immediate children (plus, when rel is ".", dir
// itself as the root entry), assigns each a fresh global index,
// encodes them onto the persistent file-list stream and registers
// them in t.entries, so a later expansion request or transfer request
// can find them again by index.
func (t *Transfer) pushLevel(rel, dir string) ([]*flist.FileInfo, error) {
	files, localPaths, err := walkOneLevel(rel, dir, t.dirFilter(dir))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool { return flist.Less(files[i], files[j]) })

	for _, f := range files {
		if err := t.enc.Encode(f); err != nil {
			return nil, err
		}
		idx := t.nextIndex
		t.nextIndex++
		t.entries[idx] = sourceEntry{
			index: idx,
			relPath: f.Path,
			localPath: localPaths[f.Path],
			isDir: f.IsDir(),
			size: f.Attrs.Size,
		}
	}
	if err := t.enc.Encode(nil); err != nil {
		return nil, err
	}
	return files, t.Conn.Flush()
}

// serve answers the peer Generator's index stream until it signals
// completion exactly once: a negative index at or below
// rsync.IndexOffset is a request to expand one stub directory, not a
// transfer request.
func (t *Transfer) serve(stats *rsyncstats.TransferStats) error {
	dec := rsyncwire.NewIndexDecoder(t.Conn)
	echo := rsyncwire.NewIndexEncoder(t.Conn)
	for {
		idx, err := dec.Read()
		if err != nil {
			return err
		}
		if idx == rsync.IndexDone {
			if err := echo.Write(rsync.IndexDone); err != nil {
				return err
			}
			return t.Conn.Flush()
		}
		if idx <= rsync.IndexOffset {
			if err := t.expand(idx, echo); err != nil {
				return err
			}
			continue
		}

		flags, err := t.readItemFlags()
		if err != nil {
			return err
		}
		if flags&rsync.ItemTransfer == 0 {
			continue
		}

		src, ok := t.entries[idx]
		if !ok {
			return fmt.Errorf("sender: peer requested unknown index %d", idx)
		}

		var sh rsyncwire.SumHead
		if err := sh.ReadFrom(t.Conn); err != nil {
			return err
		}
		chunks := make([]rsyncwire.Chunk, 0, sh.ChunkCount)
		for i := int32(0); i < sh.ChunkCount; i++ {
			ch, err := rsyncwire.ReadChunk(t.Conn, sh.DigestLength, i)
			if err != nil {
				return err
			}
			chunks = append(chunks, ch)
		}

		// Echo the index back (on its own index-codec state, independent
		// of the decoder above) so the Receiver knows which file the
		// token stream that follows belongs to.
		if err := echo.Write(idx); err != nil {
			return err
		}

		lit, matched, err := t.transferFile(src, sh, chunks)
		if err != nil {
			t.Logger.Printf("sender: %s: %v", src.localPath, err)
			if err := t.writeMsg(rsyncwire.MsgNoSend, indexPayload(idx)); err != nil {
				return err
			}
			continue
		}
		stats.NumTransferredFiles++
		stats.TotalLiteralSize += lit
		stats.TotalMatchedSize += matched
		stats.TotalTransferredSize += lit + matched
		if err := t.Conn.Flush(); err != nil {
			return err
		}
	}
}

// expand answers a stub-directory expansion request: it re-announces
// the same negative index over echo so the Receiver knows a file-list
// push follows, then walks that directory's immediate children and
// pushes them the same way the initial list was pushed.
func (t *Transfer) expand(wireIdx int32, echo *rsyncwire.IndexEncoder) error {
	stubIdx := flist.StubIndexFromOffset(wireIdx)
	stub, ok := t.entries[stubIdx]
	if !ok || !stub.isDir {
		return fmt.Errorf("sender: expansion request for unknown directory index %d", stubIdx)
	}
	if err := echo.Write(wireIdx); err != nil {
		return err
	}
	_, err := t.pushLevel(stub.relPath, stub.localPath)
	return err
}

func (t *Transfer) readItemFlags() (int, error) {
	b, err := t.Conn.ReadN(2)
	if err != nil {
		return 0, err
	}
	return int(b[0]) | int(b[1])<<8, nil
}

func (t *Transfer) writeMsg(code int, payload []byte) error {
	if mpx, ok := t.Conn.Writer.(*rsyncwire.MultiplexWriter); ok {
		return mpx.WriteMsg(code, payload)
	}
	return t.Conn.WriteN(payload)
}

func indexPayload(idx int32) []byte {
	var b [4]byte
	b[0] = byte(idx)
	b[1] = byte(idx >> 8)
	b[2] = byte(idx >> 16)
	b[3] = byte(idx >> 24)
	return b[:]
}

// transferFile runs the rolling-checksum matching algorithm against
// the peer's block checksums, emitting literal and match tokens,
// followed by a zero terminator and the whole-file MD5.
func (t *Transfer) transferFile(src sourceEntry, sh rsyncwire.SumHead, chunks []rsyncwire.Chunk) (literal, matched int64, err error) {
	f, err := os.Open(src.localPath)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	size := fi.Size()

	whole := rsyncchecksum.NewWholeFileHash(t.Seed)
	if _, err := io.Copy(whole, io.NewSectionReader(f, 0, size)); err != nil {
		return 0, 0, err
	}

	if sh.BlockLength == 0 || len(chunks) == 0 || size == 0 {
		lit, err := t.sendWhole(f, size)
		if err != nil {
			return 0, 0, err
		}
		if err := t.Conn.WriteInt32(0); err != nil {
			return 0, 0, err
		}
		if err := t.Conn.WriteN(whole.Sum()); err != nil {
			return 0, 0, err
		}
		return lit, 0, nil
	}

	byWeak := make(map[uint32][]rsyncwire.Chunk, len(chunks))
	for _, ch := range chunks {
		byWeak[ch.WeakHash] = append(byWeak[ch.WeakHash], ch)
	}

	view, err := fileview.New(f, size, int(sh.BlockLength))
	if err != nil {
		return 0, 0, err
	}

	literalStart := int64(0)
	preferred := int32(0)
	rolling := rsyncchecksum.NewRolling(view.Window())

	for view.WindowLength() > 0 {
		wl := view.WindowLength()
		weak := rolling.Sum()
		matchedIdx := int32(-1)
		if candidates, ok := byWeak[weak]; ok {
			strong := rsyncchecksum.StrongHash(view.Window(), t.Seed, int(sh.DigestLength))
			best := -1
			for i, cand := range candidates {
				if bytes.Equal(strong, cand.StrongHash) {
					if best == -1 || candOrder(candidates[best], preferred) > candOrder(cand, preferred) {
						best = i
					}
				}
			}
			if best >= 0 {
				matchedIdx = candidates[best].Index
			}
		}

		if matchedIdx >= 0 {
			if err := t.emitLiteral(view, literalStart, view.StartOffset(), &literal); err != nil {
				return literal, matched, err
			}
			if err := t.Conn.WriteInt32(-(matchedIdx + 1)); err != nil {
				return literal, matched, err
			}
			matched += int64(wl)
			preferred = matchedIdx + 1

			newMark := view.StartOffset() + int64(wl)
			literalStart = newMark
			view.AdvanceMark(newMark)
			view.Slide(wl)
			if view.WindowLength() == 0 {
				break
			}
			rolling = rsyncchecksum.NewRolling(view.Window())
			continue
		}

		leftByte := view.Window()[0]
		view.Slide(1)
		if view.WindowLength() == 0 {
			break
		}
		if view.WindowLength() == wl {
			rolling.Subtract(leftByte, wl)
			rolling.Add(view.Window()[wl-1])
		} else {
			rolling = rsyncchecksum.NewRolling(view.Window())
		}
	}

	if err := t.emitLiteral(view, literalStart, size, &literal); err != nil {
		return literal, matched, err
	}
	if err := view.Close(); err != nil {
		return literal, matched, err
	}
	if err := t.Conn.WriteInt32(0); err != nil {
		return literal, matched, err
	}
	if err := t.Conn.WriteN(whole.Sum()); err != nil {
		return literal, matched, err
	}
	return literal, matched, nil
}

// candOrder ranks a candidate chunk by distance from preferred, the
// block index just after the previous match: rsync favors reusing
// sequential blocks when more than one carries the same weak hash.
func candOrder(c rsyncwire.Chunk, preferred int32) int32 {
	d := c.Index - preferred
	if d < 0 {
		d = -d
	}
	return d
}

func (t *Transfer) emitLiteral(view *fileview.View, from, to int64, total *int64) error {
	for from < to {
		end := from + rsync.ChunkSize
		if end > to {
			end = to
		}
		buf, err := view.ReadLiteral(from, end)
		if err != nil {
			return err
		}
		if err := t.Conn.WriteInt32(int32(len(buf))); err != nil {
			return err
		}
		if err := t.Conn.WriteN(buf); err != nil {
			return err
		}
		*total += int64(len(buf))
		from = end
	}
	return nil
}

func (t *Transfer) sendWhole(f *os.File, size int64) (int64, error) {
	var sent int64
	buf := make([]byte, rsync.ChunkSize)
	for sent < size {
		n, err := f.ReadAt(buf, sent)
		if n > 0 {
			if err := t.Conn.WriteInt32(int32(n)); err != nil {
				return sent, err
			}
			if err := t.Conn.WriteN(buf[:n]); err != nil {
				return sent, err
			}
			sent += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// dirFilter returns the active rule list for dir, with any
// .rsync-filter merge file found directly in dir taking priority over
// the rules passed on the command line. A missing merge file is the
// common case and not an error.
func (t *Transfer) dirFilter(dir string) *filter.List {
	list := t.filter
	extra, err := filter.LoadDirMerge(filepath.Join(dir, ".rsync-filter"))
	if err != nil {
		return list
	}
	if list == nil {
		list = filter.New()
	}
	return list.Merge(extra)
}

// walkOneLevel stats dir's immediate children only (one directory
// level), the incremental-recursion counterpart of a full tree walk:
// subdirectories are returned as plain FileInfo entries, to be
// expanded later by a separate walkOneLevel call if the peer
// Generator ever asks for them. When rel is ".", dir is the transfer
// root and is itself included first, matching upstream rsync's
// dot-directory-entry-first file list; the root entry is never
// filtered. list may be nil, meaning no rules are active. It returns
// the wire-ready entries alongside a path->local filesystem path
// index.
func walkOneLevel(rel, dir string, list *filter.List) ([]*flist.FileInfo, map[string]string, error) {
	var attrs fsattr.Manager
	localPaths := map[string]string{}
	var files []*flist.FileInfo

	if rel == "." {
		root, err := fileInfoFor(attrs, ".", dir)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, root)
		localPaths["."] = dir
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		childRel := e.Name()
		if rel != "." {
			childRel = rel + "/" + e.Name()
		}
		if list != nil && list.Exclude(childRel, e.IsDir()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		f, ferr := fileInfoFor(attrs, childRel, p)
		if ferr != nil {
			if os.IsNotExist(ferr) {
				continue
			}
			return nil, nil, ferr
		}
		files = append(files, f)
		localPaths[childRel] = p
	}
	return files, localPaths, nil
}

func fileInfoFor(attrs fsattr.Manager, rel, local string) (*flist.FileInfo, error) {
	lst, err := os.Lstat(local)
	if err != nil {
		return nil, err
	}
	sr, ok, err := attrs.Stat(local)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, os.ErrNotExist
	}

	f := &flist.FileInfo{
		Path: rel,
		Attrs: flist.Attributes{
			Mode: sr.Mode,
			Size: sr.Size,
			ModTime: sr.ModTime,
			UID: sr.UID,
			GID: sr.GID,
		},
	}

	switch {
	case lst.Mode()&os.ModeSymlink != 0:
		f.Kind = flist.Symlink
		target, err := attrs.ReadLink(local)
		if err != nil {
			return nil, err
		}
		f.LinkTarget = target
	case lst.IsDir():
		f.Kind = flist.Directory
	case lst.Mode()&(os.ModeDevice|os.ModeCharDevice) != 0:
		f.Kind = flist.Device
		if lst.Mode()&os.ModeCharDevice != 0 {
			f.DeviceType = flist.DeviceChar
		} else {
			f.DeviceType = flist.DeviceBlock
		}
		if stt, ok := lst.Sys().(*syscall.Stat_t); ok {
			f.Attrs.DevMajor = int32(unix.Major(uint64(stt.Rdev)))
			f.Attrs.DevMinor = int32(unix.Minor(uint64(stt.Rdev)))
		}
	case lst.Mode()&os.ModeNamedPipe != 0:
		f.Kind = flist.Special
		f.DeviceType = flist.DeviceFIFO
	case lst.Mode()&os.ModeSocket != 0:
		f.Kind = flist.Special
		f.DeviceType = flist.DeviceSocket
	default:
		f.Kind = flist.Regular
	}
	return f, nil
}
