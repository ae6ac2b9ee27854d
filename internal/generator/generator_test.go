package generator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gokr-tools/grsync/internal/flist"
	"github.com/gokr-tools/grsync/internal/rsyncerr"
)

// TestGenerateFileRejectsPathTraversal mirrors the Receiver-side check:
// a peer file-list entry whose path normalizes outside of DestRoot must
// be rejected before any stat/mkdir is attempted against it, reported
// as a Security error the caller logs and moves on from rather than a
// fatal one.
func TestGenerateFileRejectsPathTraversal(t *testing.T) {
	dest := t.TempDir()
	g := New(dest, Opts{})

	f := &flist.FileInfo{Path: "../escape", Kind: flist.Regular}
	done, err := g.generateFile(nil, nil, nil, 0, f)
	if !done {
		t.Fatal("generateFile should report done=true for a rejected path, nothing left to await")
	}
	var sec *rsyncerr.Security
	if !errors.As(err, &sec) {
		t.Fatalf("generateFile error = %v, want a *rsyncerr.Security", err)
	}

	parent := filepath.Dir(dest)
	entries, rerr := os.ReadDir(parent)
	if rerr != nil {
		t.Fatal(rerr)
	}
	for _, e := range entries {
		if e.Name() == "escape" {
			t.Fatalf("generateFile touched outside DestRoot: %s", filepath.Join(parent, e.Name()))
		}
	}
}
