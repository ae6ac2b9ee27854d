package receiver

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	rsync "github.com/gokr-tools/grsync"
	"github.com/gokr-tools/grsync/internal/flist"
	"github.com/gokr-tools/grsync/internal/log"
	"github.com/gokr-tools/grsync/internal/rsyncchecksum"
	"github.com/gokr-tools/grsync/internal/rsyncerr"
	"github.com/gokr-tools/grsync/internal/rsyncwire"
)

// writeWholeFileToken appends a single literal token carrying data,
// the zero terminator, and data's whole-file digest to buf, mimicking
// what a peer Sender writes for a file with no usable basis.
func writeWholeFileToken(t *testing.T, c *rsyncwire.Conn, seed int32, data []byte) {
	t.Helper()
	if len(data) > 0 {
		if err := c.WriteInt32(int32(len(data))); err != nil {
			t.Fatal(err)
		}
		if err := c.WriteN(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.WriteInt32(0); err != nil {
		t.Fatal(err)
	}
	whole := rsyncchecksum.NewWholeFileHash(seed)
	whole.Write(data)
	if err := c.WriteN(whole.Sum()); err != nil {
		t.Fatal(err)
	}
}

// TestRecvFileRejectsPathTraversal exercises the wire path straight
// through recvFile: a peer-supplied relative path that normalizes
// outside of the destination root must be rejected as a Security
// error, and must never touch the filesystem outside dest, even
// though the token stream that accompanies its index still has to be
// drained for the duplex channel to stay in sync.
func TestRecvFileRejectsPathTraversal(t *testing.T) {
	dest := t.TempDir()
	rt := &Transfer{
		Logger: log.New(io.Discard),
		Opts: &TransferOpts{},
		Dest: dest,
		Seed: 0,
	}

	var wire bytes.Buffer
	c := &rsyncwire.Conn{Reader: &wire, Writer: &wire}
	writeWholeFileToken(t, c, rt.Seed, []byte("whatever"))

	rt.Conn = c
	f := &flist.FileInfo{Path: "../escape", Kind: flist.Regular}
	err := rt.recvFile(f, flist.TransferPlan{})
	if err == nil {
		t.Fatal("recvFile accepted an escaping path")
	}
	var sec *rsyncerr.Security
	if !errors.As(err, &sec) {
		t.Fatalf("recvFile error = %v, want a *rsyncerr.Security", err)
	}

	parent := filepath.Dir(dest)
	entries, rerr := os.ReadDir(parent)
	if rerr != nil {
		t.Fatal(rerr)
	}
	for _, e := range entries {
		if e.Name() == "escape" {
			t.Fatalf("recvFile wrote outside dest: %s", filepath.Join(parent, e.Name()))
		}
	}
}

// TestRecvFilesSkipsTraversalAndContinues drives the Receiver's full
// read loop over a segment holding one malicious and one benign entry:
// the malicious one must be rejected and accounted for in IOErrors
// without aborting the session, and the benign entry that follows it
// on the wire must still be written normally.
func TestRecvFilesSkipsTraversalAndContinues(t *testing.T) {
	dest := t.TempDir()
	rt := &Transfer{
		Logger: log.New(io.Discard),
		Opts: &TransferOpts{},
		Dest: dest,
		Seed: 0,
	}

	malicious := &flist.FileInfo{Path: "../escape", Kind: flist.Regular}
	benign := &flist.FileInfo{Path: "ok.txt", Kind: flist.Regular, Attrs: flist.Attributes{Size: 5}}

	fl := flist.New()
	seg := fl.NewSegment(nil, []*flist.FileInfo{malicious, benign})
	fl.SetEOF()
	indices := seg.Indices()
	if len(indices) != 2 {
		t.Fatalf("seg.Indices() = %v, want 2 entries", indices)
	}
	for _, idx := range indices {
		fl.SetTransferPlan(idx, flist.TransferPlan{})
	}

	var wire bytes.Buffer
	c := &rsyncwire.Conn{Reader: &wire, Writer: &wire}
	enc := rsyncwire.NewIndexEncoder(c)
	for i, idx := range indices {
		if err := enc.Write(idx); err != nil {
			t.Fatal(err)
		}
		data := []byte("hello")
		if i == 0 {
			data = []byte("ignored")
		}
		writeWholeFileToken(t, c, rt.Seed, data)
	}
	if err := enc.Write(rsync.IndexDone); err != nil {
		t.Fatal(err)
	}

	rt.Conn = c
	if err := rt.recvFiles(fl); err != nil {
		t.Fatalf("recvFiles returned an error, want a clean exit: %v", err)
	}

	if rt.IOErrors.Clean() {
		t.Fatal("IOErrors should record the rejected path-traversal entry")
	}
	if !rt.IOErrors.HasAny(rsync.IOErrorGeneral) {
		t.Fatal("IOErrors should carry IOErrorGeneral for the rejected entry")
	}

	got, err := os.ReadFile(filepath.Join(dest, "ok.txt"))
	if err != nil {
		t.Fatalf("benign entry following the rejected one was not written: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("ok.txt contents = %q, want %q", got, "hello")
	}

	parent := filepath.Dir(dest)
	entries, rerr := os.ReadDir(parent)
	if rerr != nil {
		t.Fatal(rerr)
	}
	for _, e := range entries {
		if e.Name() == "escape" {
			t.Fatalf("recvFiles wrote outside dest: %s", filepath.Join(parent, e.Name()))
		}
	}
}
