// Package receiver implements the Receiver side of a transfer
// implemented here: it decodes the incoming file list,
// reconstructs regular files from the peer Sender's token stream using
// the Generator's checksum plan as a basis, and applies preserved
// attributes once each file's whole-file digest has been verified.
//
// The Receiver is the sole reader of the duplex channel on its side of
// the connection: it demultiplexes both the peer's initial file-list
// push and every later echoed index plus token stream. The local
// Generator (internal/generator) only ever writes to the same channel
// and never reads it; the two coordinate purely through the shared
// internal/flist.Filelist.
package receiver

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	rsync "github.com/gokr-tools/grsync"
	"github.com/gokr-tools/grsync/internal/filter"
	"github.com/gokr-tools/grsync/internal/flist"
	"github.com/gokr-tools/grsync/internal/fsattr"
	"github.com/gokr-tools/grsync/internal/log"
	"github.com/gokr-tools/grsync/internal/rsyncchecksum"
	"github.com/gokr-tools/grsync/internal/rsyncerr"
	"github.com/gokr-tools/grsync/internal/rsyncos"
	"github.com/gokr-tools/grsync/internal/rsyncwire"
)

// TransferOpts is the subset of command-line behavior the Receiver and
// the Generator it drives consult, built from the parsed rsyncopts.Options
// by the caller (rsyncd.Server or rsyncclient.Client).
type TransferOpts struct {
	DryRun bool
	Server bool

	DeleteMode bool
	PreserveGid bool
	PreserveUid bool
	PreserveLinks bool
	PreservePerms bool
	PreserveDevices bool
	PreserveSpecials bool
	PreserveTimes bool

	Filter *filter.List
}

// Transfer holds the state for one receiver-role connection.
type Transfer struct {
	Logger log.Logger
	Opts *TransferOpts
	Dest string
	Env rsyncos.Std
	Conn *rsyncwire.Conn
	Seed int32

	attrs fsattr.Manager
	fileDec *flist.Decoder

	IOErrors rsyncerr.Accumulator
}

// ReceiveFileList decodes the peer Sender's initial file-list push,
// preserving wire order: the order index assignment in internal/flist
// depends on. The Decoder it creates is kept on Transfer and reused
// for every later stub-directory expansion push, since Decoder keeps
// compression state across entries.
func (rt *Transfer) ReceiveFileList() ([]*flist.FileInfo, error) {
	rt.fileDec = flist.NewDecoder(rt.Conn)
	var files []*flist.FileInfo
	for {
		f, err := rt.fileDec.Decode()
		if err != nil {
			return nil, err
		}
		if f == nil {
			break
		}
		files = append(files, f)
	}
	return files, nil
}

// recvFiles is the Receiver's read loop : it consumes
// every index the peer Sender echoes back alongside a token stream,
// until the peer signals it has none left to send. A wire value at or
// below rsync.IndexOffset instead announces a stub-directory expansion
// push the local Generator requested.
func (rt *Transfer) recvFiles(fl *flist.Filelist) error {
	dec := rsyncwire.NewIndexDecoder(rt.Conn)
	for {
		idx, err := dec.Read()
		if err != nil {
			return err
		}
		if idx == rsync.IndexDone {
			return nil
		}
		if idx <= rsync.IndexOffset {
			if err := rt.recvExpansion(fl, idx); err != nil {
				return err
			}
			continue
		}

		seg := fl.GetSegmentWith(idx)
		if seg == nil {
			return rsyncerr.NewProtocol("receiver: index %d not found in any segment", idx)
		}
		f := seg.Get(idx)
		if f == nil {
			return rsyncerr.NewProtocol("receiver: index %d already reconciled", idx)
		}
		plan, ok := fl.TransferPlan(idx)
		if !ok {
			return rsyncerr.NewProtocol("receiver: index %d has no recorded transfer plan", idx)
		}

		if err := rt.recvFile(f, plan); err != nil {
			rt.IOErrors.Add(rsync.IOErrorGeneral)
			rt.Logger.Printf("receiving %s: %v", f.Path, err)
		}
		fl.CompleteTransfer(seg, idx)
	}
}

// recvExpansion decodes the child file-list segment the peer Sender
// pushes in answer to a stub-directory expansion request the local
// Generator sent on its own index stream, and appends it to fl.
func (rt *Transfer) recvExpansion(fl *flist.Filelist, wireIdx int32) error {
	stubIdx := flist.StubIndexFromOffset(wireIdx)
	stub := fl.FileAt(stubIdx)
	parent := fl.GetSegmentWith(stubIdx)
	if stub == nil || parent == nil {
		return rsyncerr.NewProtocol("receiver: expansion push for unknown stub index %d", stubIdx)
	}

	var children []*flist.FileInfo
	for {
		f, err := rt.fileDec.Decode()
		if err != nil {
			return err
		}
		if f == nil {
			break
		}
		if f.IsDir() {
			if local, err := flist.SafeJoin(rt.Dest, f.Path); err == nil {
				f.LocalPath = local
			}
		}
		children = append(children, f)
	}

	fl.NewSegment(stub, children)
	fl.MarkExpanded(parent, stubIdx)
	fl.EndExpansion()
	return nil
}

// recvFile reconstructs one regular file from the token stream that
// follows its echoed index : literal tokens are
// copied verbatim, match tokens are copied from the basis file the
// Generator already scanned, and the whole-file digest is checked
// before the temporary file atomically replaces the destination.
func (rt *Transfer) recvFile(f *flist.FileInfo, plan flist.TransferPlan) error {
	local, pathErr := flist.SafeJoin(rt.Dest, f.Path)
	if pathErr != nil {
		pathErr = &rsyncerr.Security{Path: f.Path, Err: pathErr}
	}

	var basis *os.File
	if pathErr == nil && plan.LocalPath != "" {
		basis, _ = os.Open(plan.LocalPath)
		if basis != nil {
			defer basis.Close()
		}
	}

	var pf *renameio.PendingFile
	var dst io.Writer = io.Discard
	if pathErr == nil && !rt.Opts.DryRun {
		if err := os.MkdirAll(filepath.Dir(local), 0777); err != nil {
			return err
		}
		var err error
		pf, err = renameio.NewPendingFile(local)
		if err != nil {
			return err
		}
		defer pf.Cleanup()
		dst = pf
	}

	whole := rsyncchecksum.NewWholeFileHash(rt.Seed)
	w := io.MultiWriter(dst, whole)

	// Even when pathErr rejects this entry, the token stream that
	// follows its index still has to be drained in full so the duplex
	// channel stays in sync for the next index.
	for {
		tokenLen, err := rt.Conn.ReadInt32()
		if err != nil {
			return err
		}
		if tokenLen == 0 {
			break
		}
		if tokenLen > 0 {
			data, err := rt.Conn.ReadN(int(tokenLen))
			if err != nil {
				return err
			}
			if _, err := w.Write(data); err != nil {
				return err
			}
			continue
		}

		blockIdx := -(tokenLen + 1)
		offset := int64(blockIdx) * int64(plan.BlockLength)
		length := plan.BlockLength
		if blockIdx == plan.ChunkCount-1 && plan.Remainder != 0 {
			length = plan.Remainder
		}
		buf := make([]byte, length)
		if basis != nil {
			if _, err := basis.ReadAt(buf, offset); err != nil && err != io.EOF {
				return err
			}
		}
		// No basis (never existed locally, or vanished underneath us):
		// count this block as zeros of the right length and let the
		// whole-file digest check below catch a resulting mismatch,
		// rather than aborting the whole session over one file.
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}

	remoteSum, err := rt.Conn.ReadN(16)
	if err != nil {
		return err
	}

	if pathErr != nil {
		return pathErr
	}

	if !bytes.Equal(whole.Sum(), remoteSum) {
		return fmt.Errorf("receiver: checksum mismatch reconstructing %s", f.Path)
	}

	if rt.Opts.DryRun {
		if !rt.Opts.Server {
			fmt.Fprintln(rt.Env.Out(), f.Path)
		}
		return nil
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		return err
	}
	rt.applyAttrs(local, f)
	return nil
}

func (rt *Transfer) applyAttrs(local string, f *flist.FileInfo) {
	if rt.Opts.PreservePerms {
		if err := rt.attrs.SetFileMode(local, f.Attrs.Mode); err != nil {
			rt.Logger.Printf("chmod %s: %v", local, err)
		}
	}
	if rt.Opts.PreserveTimes {
		if err := rt.attrs.SetLastModifiedTime(local, f.Attrs.ModTime); err != nil {
			rt.Logger.Printf("utime %s: %v", local, err)
		}
	}
	if rt.Opts.PreserveUid || rt.Opts.PreserveGid {
		if err := rt.attrs.SetOwner(local, f.Attrs.UID, f.Attrs.GID, rt.Opts.PreserveUid, rt.Opts.PreserveGid); err != nil {
			rt.Logger.Printf("chown %s: %v", local, err)
		}
	}
}
