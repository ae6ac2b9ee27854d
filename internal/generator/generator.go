// Package generator walks the shared file list segment by segment,
// decides which regular files need their data retransferred, emits block
// checksums for those, applies local attribute changes directly for
// everything else, and drives the --delete pass.
//
// The Generator only ever writes to the duplex channel; it never
// reads from it. Whatever it decides for a given index is also
// recorded on the shared Filelist so internal/receiver (the sole
// reader of the channel) can retrieve the decision once the peer
// Sender echoes the index back alongside a token stream.
package generator

import (
	"context"
	"io"
	"math"
	"math/bits"
	"os"
	"path/filepath"

	rsync "github.com/gokr-tools/grsync"
	"github.com/gokr-tools/grsync/internal/filter"
	"github.com/gokr-tools/grsync/internal/flist"
	"github.com/gokr-tools/grsync/internal/fsattr"
	"github.com/gokr-tools/grsync/internal/log"
	"github.com/gokr-tools/grsync/internal/rsyncchecksum"
	"github.com/gokr-tools/grsync/internal/rsyncerr"
	"github.com/gokr-tools/grsync/internal/rsyncwire"
)

// Opts is the subset of command-line behavior the Generator consults.
type Opts struct {
	DryRun bool
	IgnoreTimes bool
	DeleteMode bool
	PreserveUID bool
	PreserveGID bool
	PreservePerms bool
	PreserveTimes bool
	PreserveDevices bool
	PreserveSpecials bool
	Verbose bool
}

// deferredAttrs is one entry of the job queue upstream rsync calls
// "processDeferredJobs": directory attributes that must be
// applied only after every child of the directory has been written,
// since writing a child bumps the parent's mtime right back up.
type deferredAttrs struct {
	path string
	f *flist.FileInfo
	existed bool
}

// Generator walks a Filelist and decides, per entry, what the peer
// Sender needs to do.
type Generator struct {
	Logger log.Logger
	Opts Opts
	Attrs fsattr.Manager
	Filter *filter.List
	Seed int32
	DestRoot string

	IOErrors rsyncerr.Accumulator

	deleteDisabled bool
	deletePassed *flist.Segment // segment the --delete pass last ran for
	deferred []deferredAttrs
	requested map[int32]bool
	expandRequested map[int32]bool
}

func New(destRoot string, opts Opts) *Generator {
	return &Generator{
		DestRoot: destRoot,
		Opts: opts,
		Logger: log.New(io.Discard),
		requested: make(map[int32]bool),
		expandRequested: make(map[int32]bool),
	}
}

// Run drains fl in FIFO segment order until fl reports EOF and is
// empty, writing an index plus item-flags (and, for files that need
// retransfer, a Checksum.Header and per-block checksums) for every
// entry.
func (g *Generator) Run(ctx context.Context, c *rsyncwire.Conn, fl *flist.Filelist) error {
	enc := rsyncwire.NewIndexEncoder(c)
	for {
		seg := fl.GetFirstSegment()
		if seg == nil {
			if fl.EOF() && !fl.HasPendingExpansions() {
				break
			}
			select {
			case <-fl.Wait():
				continue
			case <-ctx.Done():
				return &rsyncerr.Interrupted{Err: ctx.Err()}
			}
		}

		if err := g.generateSegment(c, enc, fl, seg); err != nil {
			return err
		}
		if err := c.Flush(); err != nil {
			return err
		}

		if seg.Finished() {
			if err := fl.DeleteFirstSegment(seg); err != nil {
				return err
			}
			// No per-segment wire terminator: the peer Sender only needs
			// to learn once, at the very end, that nothing more is
			// coming, and a segment finishing locally doesn't mean
			// another isn't about to be appended by an in-flight
			// expansion push.
		} else {
			// Entries needing transfer remain in the segment until the
			// Receiver removes them; give it a chance to catch up.
			select {
			case <-fl.Wait():
			case <-ctx.Done():
				return &rsyncerr.Interrupted{Err: ctx.Err()}
			}
		}
	}
	if err := g.processDeferredJobs(); err != nil {
		g.Logger.Printf("deferred attribute updates: %v", err)
	}
	return enc.Write(rsync.IndexDone)
}

func (g *Generator) generateSegment(c *rsyncwire.Conn, enc *rsyncwire.IndexEncoder, fl *flist.Filelist, seg *flist.Segment) error {
	if g.Opts.DeleteMode && g.deletePassed != seg {
		// Once per segment: a later pass over the same unfinished segment
		// no longer holds the entries already reconciled, which would
		// then look extraneous.
		g.deletePassed = seg
		if err := g.deleteExtraneous(seg); err != nil {
			g.Logger.Printf("delete phase: %v", err)
		}
	}
	for _, idx := range seg.Indices() {
		if seg.StubIndexOrNull(idx) && !g.expandRequested[idx] {
			// Ask the peer Sender to walk one more directory level and
			// push it as a new segment; the directory entry itself still
			// goes through the normal switch below (mkdir, attrs) in the
			// same pass.
			if err := enc.Write(flist.StubOffsetIndex(idx)); err != nil {
				return err
			}
			fl.BeginExpansion()
			g.expandRequested[idx] = true
		}
		if g.requested[idx] {
			// Already requested on a previous pass over this segment and
			// still awaiting the peer's token stream; the Receiver removes
			// it from the segment once that completes.
			continue
		}
		f := seg.Get(idx)
		if f == nil {
			continue
		}
		done, err := g.generateFile(c, enc, fl, idx, f)
		if err != nil {
			g.IOErrors.Add(rsync.IOErrorGeneral)
			g.Logger.Printf("generateFile(%s): %v", f.Path, err)
			done = true
		}
		if done {
			seg.Remove(idx)
		}
		if g.IOErrors.DisablesDelete() {
			g.deleteDisabled = true
		}
	}
	return nil
}

// generateFile dispatches by kind, returning done=true if the index
// can be removed from the segment immediately (no transfer pending).
func (g *Generator) generateFile(c *rsyncwire.Conn, enc *rsyncwire.IndexEncoder, fl *flist.Filelist, idx int32, f *flist.FileInfo) (bool, error) {
	local, err := flist.SafeJoin(g.DestRoot, f.Path)
	if err != nil {
		return true, &rsyncerr.Security{Path: f.Path, Err: err}
	}
	st, exists, err := g.Attrs.Stat(local)
	if err != nil {
		return true, err
	}

	switch f.Kind {
	case flist.Directory:
		if !exists {
			if !g.Opts.DryRun {
				if err := g.Attrs.Mkdir(local, f.Attrs.Mode); err != nil {
					return true, err
				}
			}
		}
		g.deferred = append(g.deferred, deferredAttrs{path: local, f: f, existed: exists})
		return true, writeIndexAndItem(c, enc, idx, itemFlags(!exists, false))

	case flist.Symlink:
		cur, _ := g.Attrs.ReadLink(local)
		if cur != f.LinkTarget && !g.Opts.DryRun {
			if err := g.Attrs.CreateSymlink(f.LinkTarget, local); err != nil {
				return true, err
			}
		}
		return true, writeIndexAndItem(c, enc, idx, itemFlags(!exists, false))

	case flist.Device, flist.Special:
		if !g.Opts.PreserveDevices && !g.Opts.PreserveSpecials {
			return true, writeIndexAndItem(c, enc, idx, 0)
		}
		if !exists && !g.Opts.DryRun {
			if err := g.Attrs.Mknod(local, f.Kind, f.DeviceType, f.Attrs.Mode, f.Attrs.DevMajor, f.Attrs.DevMinor); err != nil {
				return true, err
			}
		}
		return true, writeIndexAndItem(c, enc, idx, itemFlags(!exists, false))

	case flist.Untransferrable:
		return true, writeIndexAndItem(c, enc, idx, 0)

	default: // Regular
		return g.generateRegular(c, enc, fl, idx, f, local, st, exists)
	}
}

func (g *Generator) generateRegular(c *rsyncwire.Conn, enc *rsyncwire.IndexEncoder, fl *flist.Filelist, idx int32, f *flist.FileInfo, local string, st fsattr.StatResult, exists bool) (bool, error) {
	if exists && st.Mode&0170000 != 0100000 {
		// A non-regular file occupies the destination path: clear it so
		// the transfer below starts from a clean slate.
		if !g.Opts.DryRun {
			if err := g.Attrs.Remove(local); err != nil {
				return true, err
			}
		}
		exists = false
	}

	needsXfer := !exists || g.Opts.IgnoreTimes ||
		st.Size != f.Attrs.Size ||
		(g.Opts.PreserveTimes && st.ModTime != f.Attrs.ModTime)

	if !needsXfer {
		if !g.Opts.DryRun {
			g.applyAttrs(local, f, st)
		}
		return true, writeIndexAndItem(c, enc, idx, 0)
	}

	sh, chunks, err := g.buildChecksums(local, st.Size)
	if err != nil {
		// Local file vanished or became unreadable between stat and
		// open: fall back to a whole-file transfer.
		sh, chunks = rsyncwire.SumHead{}, nil
	}

	flags := itemFlags(!exists, true)
	if err := enc.Write(idx); err != nil {
		return true, err
	}
	if err := writeItemFlags(c, flags); err != nil {
		return true, err
	}
	if err := sh.WriteTo(c); err != nil {
		return true, err
	}
	for _, ch := range chunks {
		if err := rsyncwire.WriteChunk(c, ch); err != nil {
			return true, err
		}
	}

	fl.SetTransferPlan(idx, flist.TransferPlan{
		BlockLength: sh.BlockLength,
		Remainder: sh.Remainder,
		DigestLength: sh.DigestLength,
		ChunkCount: sh.ChunkCount,
		LocalPath: local,
	})
	g.requested[idx] = true
	return false, nil
}

func (g *Generator) applyAttrs(local string, f *flist.FileInfo, st fsattr.StatResult) {
	if g.Opts.PreservePerms && st.Mode&0777 != f.Attrs.Mode&0777 {
		g.Attrs.SetFileMode(local, f.Attrs.Mode)
	}
	if g.Opts.PreserveTimes && st.ModTime != f.Attrs.ModTime {
		g.Attrs.SetLastModifiedTime(local, f.Attrs.ModTime)
	}
	if g.Opts.PreserveUID || g.Opts.PreserveGID {
		g.Attrs.SetOwner(local, f.Attrs.UID, f.Attrs.GID, g.Opts.PreserveUID, g.Opts.PreserveGID)
	}
}

// processDeferredJobs applies directory attributes once every child
// has already been written, so a directory's mtime isn't immediately
// bumped forward again by its own contents.
func (g *Generator) processDeferredJobs() error {
	for _, d := range g.deferred {
		st, _, err := g.Attrs.Stat(d.path)
		if err != nil {
			continue
		}
		g.applyAttrs(d.path, d.f, st)
	}
	g.deferred = nil
	return nil
}

// deleteExtraneous removes local entries one directory level below
// seg's own directory that the peer's file list for that same level
// didn't mention. It only ever reads one level (os.ReadDir, not a
// recursive walk): each Segment covers exactly one directory's
// immediate children, and a child directory's own extraneous entries
// are handled when its own (lazily expanded) segment arrives.
func (g *Generator) deleteExtraneous(seg *flist.Segment) error {
	if g.deleteDisabled {
		return nil
	}
	dir := g.DestRoot
	prefix := ""
	if seg.StubDirectory != nil {
		if seg.StubDirectory.LocalPath == "" {
			return nil
		}
		dir = seg.StubDirectory.LocalPath
		prefix = seg.StubDirectory.Path + "/"
	}

	known := make(map[string]bool, seg.Len())
	for _, idx := range seg.Indices() {
		if f := seg.Get(idx); f != nil {
			known[f.Path] = true
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		rel := prefix + e.Name()
		if known[rel] {
			continue
		}
		if g.Filter != nil && g.Filter.Protect(rel, e.IsDir()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if g.Opts.DryRun {
			g.Logger.Printf("would delete %s", rel)
			continue
		}
		g.Logger.Printf("deleting %s", rel)
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}

// buildChecksums splits the local replica at local into blocks and
// hashes each one, per the blockLength/digestLength formula below. A missing
// or empty local file yields a zero SumHead, telling the peer Sender
// to transfer the file whole.
func (g *Generator) buildChecksums(local string, size int64) (rsyncwire.SumHead, []rsyncwire.Chunk, error) {
	if size <= 0 {
		return rsyncwire.SumHead{}, nil, nil
	}
	f, err := os.Open(local)
	if err != nil {
		return rsyncwire.SumHead{}, nil, err
	}
	defer f.Close()

	bl := blockLength(size)
	dl := digestLength(size, bl)
	remainder := int32(size % int64(bl))

	var chunks []rsyncwire.Chunk
	buf := make([]byte, bl)
	var idx int32
	for {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			window := buf[:n]
			chunks = append(chunks, rsyncwire.Chunk{
				Index: idx,
				WeakHash: rsyncchecksum.Checksum1(window),
				StrongHash: rsyncchecksum.StrongHash(window, g.Seed, int(dl)),
			})
			idx++
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return rsyncwire.SumHead{}, nil, rerr
		}
	}
	return rsyncwire.SumHead{
		ChunkCount: int32(len(chunks)),
		BlockLength: bl,
		Remainder: remainder,
		DigestLength: dl,
	}, chunks, nil
}

// blockLength computes the block size upstream rsync uses:
// max(512, nearest lower power of two of sqrt(fileSize)).
func blockLength(size int64) int32 {
	root := int64(math.Sqrt(float64(size)))
	if root < 1 {
		return 512
	}
	bl := int32(1) << uint(bits.Len64(uint64(root))-1)
	if bl < 512 {
		bl = 512
	}
	return bl
}

// digestLength computes the per-block strong-checksum length upstream
// rsync uses, clamped to [MinDigestLength, MaxDigestLength] since the
// raw formula can go negative for very small files.
func digestLength(size int64, bl int32) int32 {
	l2fs := math.Log2(float64(size))
	l2bl := math.Log2(float64(bl))
	d := int32((10 + 2*l2fs - l2bl - 24) / 8)
	if d < rsync.MinDigestLength {
		d = rsync.MinDigestLength
	}
	if d > rsync.MaxDigestLength {
		d = rsync.MaxDigestLength
	}
	return d
}

func itemFlags(isNew, transfer bool) int {
	flags := 0
	if isNew {
		flags |= rsync.ItemIsNew
	}
	if transfer {
		flags |= rsync.ItemTransfer
	}
	return flags
}

func writeItemFlags(c *rsyncwire.Conn, flags int) error {
	return c.WriteN([]byte{byte(flags), byte(flags >> 8)})
}

func writeIndexAndItem(c *rsyncwire.Conn, enc *rsyncwire.IndexEncoder, idx int32, flags int) error {
	if err := enc.Write(idx); err != nil {
		return err
	}
	return writeItemFlags(c, flags)
}
