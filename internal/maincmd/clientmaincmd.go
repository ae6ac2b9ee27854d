package maincmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gokr-tools/grsync/internal/log"
	"github.com/gokr-tools/grsync/internal/rsyncopts"
	"github.com/gokr-tools/grsync/internal/rsyncos"
	"github.com/gokr-tools/grsync/internal/rsyncstats"
	"github.com/gokr-tools/grsync/internal/rsyncwire"
	"github.com/gokr-tools/grsync/internal/session"
	"github.com/gokr-tools/grsync/rsyncclient"
	"github.com/google/shlex"
)

const defaultDaemonPort = 873

// checkForHostspec recognizes the three ways rsync(1) lets a path name
// a remote module or directory (rsync/main.c:check_for_hostspec):
// rsync://host[:port]/module/path, host::module/path and host:path. An
// error means arg names a local path, not a remote one.
func checkForHostspec(arg string) (host, path string, port int, err error) {
	if u, uerr := url.Parse(arg); uerr == nil && u.Scheme == "rsync" {
		host = u.Hostname()
		port = defaultDaemonPort
		if p := u.Port(); p != "" {
			port, err = strconv.Atoi(p)
			if err != nil {
				return "", "", 0, fmt.Errorf("checkForHostspec: invalid port in %q: %v", arg, err)
			}
		}
		return host, strings.TrimPrefix(u.Path, "/"), port, nil
	}
	if idx := strings.Index(arg, "::"); idx > -1 {
		return arg[:idx], arg[idx+2:], defaultDaemonPort, nil
	}
	if idx := strings.IndexByte(arg, ':'); idx > 0 && !strings.HasPrefix(arg, ".") {
		return arg[:idx], arg[idx+1:], 0, nil
	}
	return "", "", 0, fmt.Errorf("checkForHostspec: %q is a local path", arg)
}

// moduleOf returns the leading module name of a daemon-mode path, i.e.
// everything up to the first slash.
func moduleOf(path string) string {
	if idx := strings.IndexByte(path, '/'); idx > -1 {
		return path[:idx]
	}
	return path
}

// clientMain is rsync/main.c:start_client: it decides, from which of
// src/dest carries a hostspec, which side of the transfer is remote,
// then dispatches to a remote-shell subprocess, a direct daemon
// socket, or a purely local copy.
func clientMain(ctx context.Context, osenv rsyncos.Std, opts *rsyncopts.Options, src, dest string) (*rsyncstats.TransferStats, error) {
	logger := log.New(osenv.Err())
	client := rsyncclient.New(rsyncclient.WithLogger(logger), rsyncclient.WithEnv(osenv))

	host, path, port, err := checkForHostspec(src)
	if err != nil {
		// src is local; check dest instead.
		opts.SetSender()
		host, path, port, err = checkForHostspec(dest)
		if err != nil {
			// Neither side has a hostspec: a purely local copy.
			opts.SetLocalServer()
			return client.LocalCopy(ctx, opts, src, dest)
		}
	}

	local := dest
	if opts.Sender() {
		local = src
	}

	if port != 0 {
		return daemonClient(ctx, client, opts, host, path, port, local)
	}
	return shellClient(ctx, osenv, client, opts, host, path, local)
}

// daemonClient dials host:port directly and speaks the rsync://
// daemon handshake: ASCII version greeting, module selection, then
// the server's "@RSYNCD: OK" and argument exchange before the binary
// transfer phase begins.
func daemonClient(ctx context.Context, client *rsyncclient.Client, opts *rsyncopts.Options, host, path string, port int, local string) (*rsyncstats.TransferStats, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("daemonClient: %v", err)
	}
	defer conn.Close()

	crd, cwr := rsyncwire.CounterPair(conn, conn)
	rd := bufio.NewReader(crd)
	hc := &rsyncwire.Conn{Reader: rd, Writer: cwr}
	if _, err := session.ExchangeVersion(rd, hc); err != nil {
		return nil, err
	}

	module := moduleOf(path)
	if err := hc.WriteString(module + "\n"); err != nil {
		return nil, err
	}
	line, err := rd.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\n")
	if strings.HasPrefix(line, "@ERROR") {
		return nil, fmt.Errorf("daemonClient: %s", line)
	}
	if line != "@RSYNCD: OK" {
		return nil, fmt.Errorf("daemonClient: unexpected reply %q", line)
	}

	args := serverOptions(opts)
	args = append(args, ".", strings.TrimPrefix(path, module+"/"))
	for _, a := range args {
		if err := hc.WriteString(a + "\n"); err != nil {
			return nil, err
		}
	}
	if err := hc.WriteString("\n"); err != nil {
		return nil, err
	}

	return client.DialReader(ctx, opts, crd, cwr, rd, local, false)
}

// shellClient spawns a remote shell (by default ssh(1)) running this
// same binary in --server mode on host, then drives the transfer over
// its stdin/stdout (rsync/main.c:do_cmd).
func shellClient(ctx context.Context, osenv rsyncos.Std, client *rsyncclient.Client, opts *rsyncopts.Options, host, path, local string) (*rsyncstats.TransferStats, error) {
	user := ""
	machine := host
	if idx := strings.IndexByte(machine, '@'); idx > -1 {
		user, machine = machine[:idx], machine[idx+1:]
	}

	shell := opts.ShellCommand()
	if shell == "" {
		shell = "ssh"
		if e := os.Getenv("RSYNC_RSH"); e != "" {
			shell = e
		}
	}
	args, err := shlex.Split(shell)
	if err != nil {
		return nil, err
	}
	if user != "" {
		args = append(args, "-l", user)
	}
	args = append(args, machine, "rsync")
	args = append(args, serverOptions(opts)...)
	args = append(args, ".", path)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = osenv.Err()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("remote shell exited: %v", err)
		}
	}()

	conn := &pipeConn{r: stdout, w: stdin}
	stats, err := client.Dial(ctx, opts, conn, local, true)
	stdin.Close()
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// pipeConn pairs a subprocess's stdout/stdin into the single
// io.ReadWriter rsyncclient.Dial expects.
type pipeConn struct {
	r io.Reader
	w io.Writer
}

func (c *pipeConn) Read(b []byte) (int, error) { return c.r.Read(b) }
func (c *pipeConn) Write(b []byte) (int, error) { return c.w.Write(b) }

// serverOptions reconstructs the flag string the spawned --server
// process needs to see from the subset rsyncopts.ParseArguments
// understands.
func serverOptions(opts *rsyncopts.Options) []string {
	if opts.Sender() {
		return append([]string{"--server", "--sender"}, shortFlags(opts)...)
	}
	return append([]string{"--server"}, shortFlags(opts)...)
}

func shortFlags(opts *rsyncopts.Options) []string {
	var b strings.Builder
	b.WriteByte('-')
	if opts.Verbose() {
		b.WriteByte('v')
	}
	if opts.DryRun() {
		b.WriteByte('n')
	}
	if opts.PreserveLinks() {
		b.WriteByte('l')
	}
	if opts.PreservePerms() {
		b.WriteByte('p')
	}
	if opts.PreserveMTimes() {
		b.WriteByte('t')
	}
	if opts.PreserveUid() {
		b.WriteByte('o')
	}
	if opts.PreserveGid() {
		b.WriteByte('g')
	}
	if opts.PreserveDevices() {
		b.WriteByte('D')
	}
	if opts.PreserveHardLinks() {
		b.WriteByte('H')
	}
	out := []string{b.String()}
	if opts.DeleteMode() {
		out = append(out, "--delete")
	}
	return out
}
