package flist

import (
	"bytes"
	"testing"

	"github.com/gokr-tools/grsync/internal/rsyncwire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entries := []*FileInfo{
		{Path: ".", Kind: Directory, Attrs: Attributes{Mode: modeDir | 0755, ModTime: 1000}},
		{Path: "dir", Kind: Directory, Attrs: Attributes{Mode: modeDir | 0755, ModTime: 1000, UID: 1, GID: 1}},
		{Path: "dir/a.txt", Kind: Regular, Attrs: Attributes{Mode: 0644, Size: 123, ModTime: 1001, UID: 1, GID: 1}},
		{Path: "dir/b.txt", Kind: Regular, Attrs: Attributes{Mode: 0644, Size: 0, ModTime: 1001, UID: 1, GID: 1}},
		{Path: "dir/link", Kind: Symlink, LinkTarget: "a.txt", Attrs: Attributes{Mode: modeSymlink | 0777, ModTime: 1001, UID: 1, GID: 1}},
		{Path: "dir/dev", Kind: Device, DeviceType: DeviceChar, Attrs: Attributes{Mode: modeChar | 0600, ModTime: 1001, UID: 1, GID: 1, DevMajor: 5, DevMinor: 1}},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&rsyncwire.Conn{Writer: &buf})
	for _, f := range entries {
		if err := enc.Encode(f); err != nil {
			t.Fatalf("Encode(%q): %v", f.Path, err)
		}
	}
	if err := enc.Encode(nil); err != nil {
		t.Fatalf("Encode(terminator): %v", err)
	}

	dec := NewDecoder(&rsyncwire.Conn{Reader: &buf})
	for _, want := range entries {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got == nil {
			t.Fatalf("Decode returned early terminator, want %q", want.Path)
		}
		if got.Path != want.Path {
			t.Fatalf("Path = %q, want %q", got.Path, want.Path)
		}
		if got.Kind != want.Kind {
			t.Fatalf("%q: Kind = %v, want %v", want.Path, got.Kind, want.Kind)
		}
		if got.Attrs.Size != want.Attrs.Size {
			t.Fatalf("%q: Size = %d, want %d", want.Path, got.Attrs.Size, want.Attrs.Size)
		}
		if got.LinkTarget != want.LinkTarget {
			t.Fatalf("%q: LinkTarget = %q, want %q", want.Path, got.LinkTarget, want.LinkTarget)
		}
		if want.Kind == Device && (got.Attrs.DevMajor != want.Attrs.DevMajor || got.Attrs.DevMinor != want.Attrs.DevMinor) {
			t.Fatalf("%q: dev = %d/%d, want %d/%d", want.Path, got.Attrs.DevMajor, got.Attrs.DevMinor, want.Attrs.DevMajor, want.Attrs.DevMinor)
		}
	}
	term, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode(terminator): %v", err)
	}
	if term != nil {
		t.Fatalf("expected terminator, got %+v", term)
	}
}
