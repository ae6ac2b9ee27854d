package flist

import (
	"sort"
	"strings"
	"testing"

	rsync "github.com/gokr-tools/grsync"
)

func TestLessOrdering(t *testing.T) {
	dot := &FileInfo{Path: ".", Kind: Directory}
	file := &FileInfo{Path: "a.txt", Kind: Regular}
	dir := &FileInfo{Path: "a.txt", Kind: Directory} // hypothetical same-name dir, different kind
	zdir := &FileInfo{Path: "zzz", Kind: Directory}

	entries := []*FileInfo{zdir, dir, file, dot}
	sort.Slice(entries, func(i, j int) bool { return Less(entries[i], entries[j]) })

	if entries[0] != dot {
		t.Fatalf("dot directory must sort first, got %q", entries[0].Path)
	}
	// "a.txt" (file) must sort before "a.txt/" (directory) by construction.
	if !Less(file, dir) {
		t.Fatalf("file entry must sort before same-named directory")
	}
}

func TestSegmentFIFOAndStubOffset(t *testing.T) {
	l := New()
	seg0 := l.NewSegment(nil, []*FileInfo{
		{Path: "a", Kind: Regular},
		{Path: "sub", Kind: Directory, LocalPath: "/tmp/sub"},
	})
	if seg0.Len() != 2 {
		t.Fatalf("seg0.Len() = %d, want 2", seg0.Len())
	}
	if !seg0.IsExpandable() {
		t.Fatal("seg0 should have a stub directory")
	}

	var stubIdx int32 = -1
	for _, idx := range seg0.Indices() {
		if seg0.StubIndexOrNull(idx) {
			stubIdx = idx
		}
	}
	if stubIdx == -1 {
		t.Fatal("expected a stub index in seg0")
	}
	offset := StubOffsetIndex(stubIdx)
	if offset >= 0 {
		t.Fatalf("stub offset should be negative, got %d", offset)
	}
	if got := StubIndexFromOffset(offset); got != stubIdx {
		t.Fatalf("StubIndexFromOffset(%d) = %d, want %d", offset, got, stubIdx)
	}

	// Deleting a non-head segment must fail.
	seg1 := l.NewSegment(seg0.Get(stubIdx), []*FileInfo{{Path: "sub/child", Kind: Regular}})
	if err := l.DeleteFirstSegment(seg1); err == nil {
		t.Fatal("DeleteFirstSegment on non-head segment must fail")
	}

	for _, idx := range seg0.Indices() {
		seg0.Remove(idx)
	}
	if !seg0.Finished() {
		t.Fatal("seg0 should be finished after removing all entries")
	}
	if err := l.DeleteFirstSegment(seg0); err != nil {
		t.Fatalf("DeleteFirstSegment(seg0): %v", err)
	}
	if l.GetFirstSegment() != seg1 {
		t.Fatal("seg1 should now be the FIFO head")
	}
}

func TestSafeJoinRejectsEscape(t *testing.T) {
	root := "/tmp/dest"
	cases := []struct {
		path string
		ok bool
	}{
		{".", true},
		{"a/b", true},
		{"a/../b", true},
		{"..", false},
		{"../escape", false},
		{"a/../../escape", false},
		{"/etc/passwd", false},
	}
	for _, c := range cases {
		got, err := SafeJoin(root, c.path)
		if c.ok && err != nil {
			t.Errorf("SafeJoin(%q): unexpected error: %v", c.path, err)
		}
		if !c.ok {
			if err == nil {
				t.Errorf("SafeJoin(%q) = %q, want error", c.path, got)
				continue
			}
			continue
		}
		if !strings.HasPrefix(got, root) {
			t.Errorf("SafeJoin(%q) = %q, want prefix %q", c.path, got, root)
		}
	}
}

func TestIndicesNeverRepeat(t *testing.T) {
	l := New()
	seen := map[int32]bool{}
	for i := 0; i < 3; i++ {
		seg := l.NewSegment(nil, []*FileInfo{{Path: "x"}, {Path: "y"}})
		for _, idx := range seg.Indices() {
			if seen[idx] {
				t.Fatalf("index %d reused across segments", idx)
			}
			seen[idx] = true
		}
	}
	_ = rsync.IndexDone
}
