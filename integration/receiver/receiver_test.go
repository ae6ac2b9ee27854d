package receiver_test

import (
	"context"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gokr-tools/grsync/internal/maincmd"
	"github.com/gokr-tools/grsync/rsyncd"
	"github.com/google/go-cmp/cmp"
	"github.com/google/renameio/v2"
)

func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "localhost" {
		// Strip first 2 args (./rsync.test localhost) from command line:
		// rsync(1) is calling this process as a remote shell.
		os.Args = os.Args[2:]
		if _, err := maincmd.Main(context.Background(), os.Args, os.Stdin, os.Stdout, os.Stderr, nil); err != nil {
			log.Fatal(err)
		}
		return
	}
	os.Exit(m.Run())
}

// startDaemon serves modules on a loopback TCP listener and returns its
// address, suitable for building an rsync://<addr>/<module>/ hostspec.
func startDaemon(t *testing.T, modules ...rsyncd.Module) string {
	t.Helper()
	srv, err := rsyncd.NewServer(modules, rsyncd.DontRestrict())
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)
	return ln.Addr().String()
}

func TestReceiverDaemon(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	dest := filepath.Join(tmp, "dest")

	if err := os.MkdirAll(source, 0o755); err != nil {
		t.Fatal(err)
	}
	hello := filepath.Join(source, "hello")
	if err := os.WriteFile(hello, []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime, err := time.Parse(time.RFC3339, "2009-11-10T23:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(hello, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("hello", filepath.Join(source, "hey")); err != nil {
		t.Fatal(err)
	}

	addr := startDaemon(t, rsyncd.Module{Name: "interop", Path: source})

	args := []string{
		"gokr-rsync",
		"-aH",
		"rsync://" + addr + "/interop/",
		dest,
	}
	firstStats, err := maincmd.Main(context.Background(), args, os.Stdin, os.Stdout, os.Stdout, nil)
	if err != nil {
		t.Fatal(err)
	}

	{
		want := []byte("world")
		got, err := os.ReadFile(filepath.Join(dest, "hello"))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("unexpected file contents: diff (-want +got):\n%s", diff)
		}
	}
	{
		got, err := os.Readlink(filepath.Join(dest, "hey"))
		if err != nil {
			t.Fatal(err)
		}
		if want := "hello"; got != want {
			t.Fatalf("unexpected link target: got %q, want %q", got, want)
		}
	}

	incrementalStats, err := maincmd.Main(context.Background(), args, os.Stdin, os.Stdout, os.Stdout, nil)
	if err != nil {
		t.Fatal(err)
	}
	if incrementalStats.TotalBytesWritten >= firstStats.TotalBytesWritten {
		t.Fatalf("incremental run unexpectedly not more efficient than first run: incremental wrote %d bytes, first wrote %d bytes", incrementalStats.TotalBytesWritten, firstStats.TotalBytesWritten)
	}

	// Make a change that is invisible with our current settings: change
	// the file contents without changing size and mtime.
	if err := os.WriteFile(hello, []byte("moon!"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(hello, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	// Replace the dest symlink to see if it will be restored.
	if err := renameio.Symlink("wrong", filepath.Join(dest, "hey")); err != nil {
		t.Fatal(err)
	}

	if _, err := maincmd.Main(context.Background(), args, os.Stdin, os.Stdout, os.Stdout, nil); err != nil {
		t.Fatal(err)
	}

	{
		got, err := os.Readlink(filepath.Join(dest, "hey"))
		if err != nil {
			t.Fatal(err)
		}
		if want := "hello"; got != want {
			t.Fatalf("unexpected link target: got %q, want %q", got, want)
		}
	}
}

func TestReceiverDaemonDelete(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	dest := filepath.Join(tmp, "dest")
	if err := os.MkdirAll(source, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "hello"), []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}

	addr := startDaemon(t, rsyncd.Module{Name: "interop", Path: source})

	args := []string{
		"gokr-rsync",
		"-aH",
		"--delete",
		"rsync://" + addr + "/interop/",
		dest,
	}
	if _, err := maincmd.Main(context.Background(), args, os.Stdin, os.Stdout, os.Stdout, nil); err != nil {
		t.Fatal(err)
	}

	extra := filepath.Join(dest, "extrafile")
	if err := os.WriteFile(extra, []byte("deleteme"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := maincmd.Main(context.Background(), args, os.Stdin, os.Stdout, os.Stdout, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(extra); !os.IsNotExist(err) {
		t.Errorf("expected %s to be deleted, but it still exists", extra)
	}
}

func TestReceiverCommand(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	dest := filepath.Join(tmp, "dest")
	if err := os.MkdirAll(source, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "hello"), []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}

	// "-e" names this very test binary, which TestMain re-enters in
	// --server mode when invoked as "<binary> localhost rsync ...",
	// standing in for a real remote shell.
	args := []string{
		"gokr-rsync",
		"-aH",
		"-e", os.Args[0],
		"localhost:" + source + "/",
		dest,
	}
	if _, err := maincmd.Main(context.Background(), args, os.Stdin, os.Stdout, os.Stdout, nil); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("world"), got); diff != "" {
		t.Fatalf("unexpected file contents: diff (-want +got):\n%s", diff)
	}
}

// TestReceiverSymlinkTraversal exercises a module served by an
// in-process daemon rather than the real rsync(1), verifying that a
// symlink on the sender side does not let the receiver escape dest.
func TestReceiverSymlinkTraversal(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmp, "passwd"), []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	source := filepath.Join(tmp, "source")
	dest := filepath.Join(tmp, "dest")
	if err := os.MkdirAll(source, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "passwd"), []byte("benign"), 0o644); err != nil {
		t.Fatal(err)
	}

	addr := startDaemon(t, rsyncd.Module{Name: "interop", Path: source})

	args := []string{
		"gokr-rsync",
		"-aH",
		"rsync://" + addr + "/interop/",
		dest,
	}
	if _, err := maincmd.Main(context.Background(), args, os.Stdin, os.Stdout, os.Stdout, nil); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "passwd"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("benign"), got); diff != "" {
		t.Fatalf("unexpected file contents: diff (-want +got):\n%s", diff)
	}
}
