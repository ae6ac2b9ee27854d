// Package maincmd implements the '$ grsync' CLI surface: it can serve
// as a "--server" subprocess spawned over a remote shell, as a daemon
// listening for rsync:// connections, or as the client that spawns
// one of those and drives a transfer against it (including the
// degenerate case where both ends of the transfer are local).
//
// Full popt(3)-compatible CLI parsing is out of scope; package
// rsyncopts carries just enough of it for this core to read its own
// behavior flags, and this package is the thin glue connecting argv
// to rsyncd/rsyncclient.
package maincmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/gokr-tools/grsync/internal/restrict"
	"github.com/gokr-tools/grsync/internal/rsyncdconfig"
	"github.com/gokr-tools/grsync/internal/rsyncopts"
	"github.com/gokr-tools/grsync/internal/rsyncos"
	"github.com/gokr-tools/grsync/internal/rsyncstats"
	"github.com/gokr-tools/grsync/rsyncd"

	// For profiling and debugging.
	_ "net/http/pprof"
)

// Main is the entry point cmd/gokr-rsync calls with os.Args. cfg, when
// non-nil, overrides the module list daemon mode would otherwise load
// from rsyncdconfig.FromDefaultFiles (used by tests that don't want to
// touch /etc).
func Main(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, cfg *rsyncdconfig.Config) (*rsyncstats.TransferStats, error) {
	osenv := rsyncos.Std{Stdin: stdin, Stdout: stdout, Stderr: stderr}

	pc, err := rsyncopts.ParseArguments(args[1:])
	if err != nil {
		return nil, err
	}
	opts := pc.Options
	remaining := pc.RemainingArgs

	// calling convention: this process is the remote side of an SSH
	// session (or a local subprocess standing in for one), spawned by
	// another instance of this binary's client mode.
	// Example: --server --sender -vlogDtp . SRC
	if opts.Server() {
		return nil, runServer(ctx, osenv, opts, remaining)
	}

	// calling convention: daemon listening for rsync:// connections.
	if opts.Daemon() {
		return nil, runDaemon(ctx, osenv, opts, cfg)
	}

	if len(remaining) == 0 {
		fmt.Fprintln(stderr, opts.Help())
		return nil, fmt.Errorf("grsync: no source/destination given")
	}
	if len(remaining) < 2 {
		return nil, fmt.Errorf("grsync: need at least one source and one destination, got %q", remaining)
	}
	dest := remaining[len(remaining)-1]
	sources := remaining[:len(remaining)-1]
	if len(sources) != 1 {
		return nil, fmt.Errorf("grsync: only a single source argument is supported, got %q", sources)
	}
	return clientMain(ctx, osenv, opts, sources[0], dest)
}

// runServer implements the subprocess the client spawns over a remote
// shell (rsync/main.c:start_server). remaining is ["." , path...]: the
// client's local-role transfer root, sent verbatim by shellClient.
func runServer(ctx context.Context, osenv rsyncos.Std, opts *rsyncopts.Options, remaining []string) error {
	if len(remaining) < 2 || remaining[0] != "." {
		return fmt.Errorf("grsync: invalid server invocation: %q", remaining)
	}
	paths := remaining[1:]

	var roDirs, rwDirs []string
	if opts.Sender() {
		roDirs = append(roDirs, paths...)
	} else {
		for _, p := range paths {
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
		}
		rwDirs = append(rwDirs, paths...)
	}
	if err := restrict.MaybeFileSystem(roDirs, rwDirs); err != nil {
		// Sandboxing is best-effort outside of gokrazy's landlock-enabled
		// kernels; log and continue rather than refuse to serve.
		fmt.Fprintf(osenv.Err(), "restricting filesystem access: %v\n", err)
	}

	srv, err := rsyncd.NewServer(nil, rsyncd.WithStderr(osenv.Err()), rsyncd.DontRestrict())
	if err != nil {
		return err
	}
	conn := srv.NewConnection(osenv.In(), osenv.Out())
	return srv.HandleConn(nil, conn, paths, opts, true)
}

// runDaemon starts a TCP listener serving rsync:// connections using
// the modules named by cfg, or by the first file in
// rsyncdconfig.DefaultPaths if cfg is nil.
func runDaemon(ctx context.Context, osenv rsyncos.Std, opts *rsyncopts.Options, cfg *rsyncdconfig.Config) error {
	if cfg == nil {
		var err error
		cfg, _, err = rsyncdconfig.FromDefaultFiles()
		if err != nil {
			return fmt.Errorf("grsync: loading daemon config: %w (see rsyncdconfig.DefaultPaths)", err)
		}
	}
	if cfg.Listen == "" {
		return fmt.Errorf("grsync: daemon config has no listen address")
	}

	srv, err := rsyncd.NewServer(cfg.Modules, rsyncd.WithStderr(osenv.Err()))
	if err != nil {
		return err
	}
	fmt.Fprintf(osenv.Err(), "%d rsync modules configured\n", len(cfg.Modules))

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	if err := dropPrivileges(osenv.Err()); err != nil {
		return err
	}
	fmt.Fprintf(osenv.Err(), "rsync daemon listening on rsync://%s\n", ln.Addr())
	return srv.Serve(ctx, ln)
}
