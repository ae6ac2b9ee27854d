package rsyncclient_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gokr-tools/grsync/internal/rsyncopts"
	"github.com/gokr-tools/grsync/rsyncclient"
	"github.com/gokr-tools/grsync/rsyncd"
	"github.com/google/go-cmp/cmp"
)

type readWriter struct {
	io.Reader
	io.Writer
}

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLocalCopy(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	dest := filepath.Join(tmp, "dest")
	const hello = "world"
	writeFile(t, src, "hello", hello)

	client := rsyncclient.New()
	stats, err := client.LocalCopy(context.Background(), rsyncopts.NewOptions(), src, dest)
	if err != nil {
		t.Fatal(err)
	}
	if stats.NumFiles == 0 {
		t.Errorf("LocalCopy: stats report no files transferred")
	}

	got, err := os.ReadFile(filepath.Join(dest, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte(hello)) {
		t.Errorf("hello: unexpected contents: diff (-want +got):\n%s", cmp.Diff([]byte(hello), got))
	}
}

// serverPipe starts an in-process rsyncd.Server behind an io.Pipe pair,
// standing in for an SSH session's stdin/stdout, and returns the
// io.ReadWriter a Client would Dial against.
func serverPipe(t *testing.T, srv *rsyncd.Server, module *rsyncd.Module, flags []string, dest string) io.ReadWriter {
	t.Helper()
	stdinrd, stdinwr := io.Pipe()
	stdoutrd, stdoutwr := io.Pipe()
	conn := srv.NewConnection(stdinrd, stdoutwr)

	serverArgs := append(append([]string{}, flags...), ".", dest)
	pc, err := rsyncopts.ParseArguments(serverArgs)
	if err != nil {
		t.Fatalf("parsing server args: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	t.Cleanup(wg.Wait)
	go func() {
		defer wg.Done()
		if err := srv.HandleConn(module, conn, pc.RemainingArgs[1:], pc.Options, true); err != nil {
			t.Error(err)
		}
	}()

	return &readWriter{Reader: stdoutrd, Writer: stdinwr}
}

func TestDialServerModule(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	dest := filepath.Join(tmp, "dest")
	const hello = "world"
	writeFile(t, src, "hello", hello)

	mod := rsyncd.Module{Name: "tmp", Path: src}
	srv, err := rsyncd.NewServer([]rsyncd.Module{mod}, rsyncd.DontRestrict())
	if err != nil {
		t.Fatal(err)
	}

	rw := serverPipe(t, srv, &mod, []string{"--server", "--sender"}, ".")

	client := rsyncclient.New()
	opts := rsyncopts.NewOptions()
	if _, err := client.Dial(context.Background(), opts, rw, dest, true); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte(hello)) {
		t.Errorf("hello: unexpected contents: diff (-want +got):\n%s", cmp.Diff([]byte(hello), got))
	}
}

// like TestDialServerModule, but without a module, i.e. using the
// command calling convention a remote-shell spawn uses.
func TestDialServerCommand(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	src := filepath.Join(tmp, "src") + "/"
	dest := filepath.Join(tmp, "dest")
	const hello = "world"
	writeFile(t, src, "hello", hello)

	srv, err := rsyncd.NewServer(nil, rsyncd.DontRestrict())
	if err != nil {
		t.Fatal(err)
	}

	rw := serverPipe(t, srv, nil, []string{"--server", "--sender"}, src)

	client := rsyncclient.New()
	opts := rsyncopts.NewOptions()
	if _, err := client.Dial(context.Background(), opts, rw, dest, true); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte(hello)) {
		t.Errorf("hello: unexpected contents: diff (-want +got):\n%s", cmp.Diff([]byte(hello), got))
	}
}

// like TestDialServerCommand, but the client is the sender.
func TestDialServerCommandSender(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	src := filepath.Join(tmp, "src") + "/"
	dest := filepath.Join(tmp, "dest")
	const hello = "world"
	writeFile(t, src, "hello", hello)

	srv, err := rsyncd.NewServer(nil, rsyncd.DontRestrict())
	if err != nil {
		t.Fatal(err)
	}

	rw := serverPipe(t, srv, nil, []string{"--server"}, dest)

	client := rsyncclient.New()
	opts := rsyncopts.NewOptions()
	opts.SetSender()
	if _, err := client.Dial(context.Background(), opts, rw, src, true); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte(hello)) {
		t.Errorf("hello: unexpected contents: diff (-want +got):\n%s", cmp.Diff([]byte(hello), got))
	}
}
