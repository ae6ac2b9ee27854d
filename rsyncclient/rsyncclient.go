// Package rsyncclient is the client counterpart of package rsyncd: it
// drives one transfer against an already-established duplex byte
// stream, or purely in-process for a local-to-local copy via a
// Sender goroutine talking to a Generator/Receiver pair over a pair
// of in-memory pipes.
//
// internal/maincmd builds the CLI surface (argument parsing, SSH
// subprocess spawning, rsync:// socket dialing) on top of this
// package; programs embedding grsync as a library can call it
// directly without going through a subprocess at all.
package rsyncclient

import (
	"bufio"
	"context"
	"io"

	rsync "github.com/gokr-tools/grsync"
	"github.com/gokr-tools/grsync/internal/log"
	"github.com/gokr-tools/grsync/internal/receiver"
	"github.com/gokr-tools/grsync/internal/rsyncopts"
	"github.com/gokr-tools/grsync/internal/rsyncos"
	"github.com/gokr-tools/grsync/internal/rsyncstats"
	"github.com/gokr-tools/grsync/internal/rsyncwire"
	"github.com/gokr-tools/grsync/internal/sender"
)

// Client runs transfers on behalf of a caller; its zero value is
// usable and logs to io.Discard.
type Client struct {
	Logger log.Logger
	Env rsyncos.Std
}

// Option configures a Client returned by New.
type Option func(*Client)

// WithLogger sets the Logger every transfer this Client runs reports
// progress and errors to.
func WithLogger(l log.Logger) Option {
	return func(c *Client) { c.Logger = l }
}

// WithEnv sets the standard streams file-listing output (dry-run mode)
// is written to.
func WithEnv(env rsyncos.Std) Option {
	return func(c *Client) { c.Env = env }
}

// New returns a Client ready to run transfers.
func New(opts ...Option) *Client {
	c := &Client{Logger: log.New(io.Discard)}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) logger() log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.New(io.Discard)
}

func receiverOpts(o *rsyncopts.Options) *receiver.TransferOpts {
	return &receiver.TransferOpts{
		DryRun: o.DryRun(),
		Server: o.Server(),
		DeleteMode: o.DeleteMode(),
		PreserveGid: o.PreserveGid(),
		PreserveUid: o.PreserveUid(),
		PreserveLinks: o.PreserveLinks(),
		PreservePerms: o.PreservePerms(),
		PreserveDevices: o.PreserveDevices(),
		PreserveSpecials: o.PreserveSpecials(),
		PreserveTimes: o.PreserveMTimes(),
		Filter: o.FilterList(),
	}
}

// localSeed stands in for the negotiated checksum seed when both roles run in the same process: there is no peer
// to exchange a seed with, so a fixed value is shared directly.
const localSeed = int32(0x5253594e) // ASCII "RSYN"

// LocalCopy synchronizes src into dest entirely within this process: a
// Sender goroutine walks src and answers a Generator/Receiver pair
// that writes into dest, the two connected by a pair of in-memory
// pipes standing in for a real duplex connection.
func (c *Client) LocalCopy(ctx context.Context, o *rsyncopts.Options, src, dest string) (*rsyncstats.TransferStats, error) {
	// toSender carries the receiver-side Generator's indices and
	// checksums; toReceiver carries the Sender's file list, tokens and
	// whole-file digests. Together they stand in for one duplex
	// connection.
	toSenderR, toSenderW := io.Pipe()
	toReceiverR, toReceiverW := io.Pipe()

	senderCrd, senderCwr := rsyncwire.CounterPair(toSenderR, toReceiverW)
	receiverCrd, receiverCwr := rsyncwire.CounterPair(toReceiverR, toSenderW)

	st := &sender.Transfer{
		Logger: c.logger(),
		Opts: o,
		Conn: &rsyncwire.Conn{Reader: bufio.NewReader(senderCrd), Writer: senderCwr},
		Seed: localSeed,
	}
	rt := &receiver.Transfer{
		Logger: c.logger(),
		Opts: receiverOpts(o),
		Dest: dest,
		Env: c.Env,
		Conn: &rsyncwire.Conn{Reader: bufio.NewReader(receiverCrd), Writer: receiverCwr},
		Seed: localSeed,
	}

	senderDone := make(chan error, 1)
	go func() {
		_, err := st.Do(senderCrd, senderCwr, src, []string{"."}, nil)
		// Unblock a Receiver still waiting to read once the Sender is
		// done producing output, whether or not it errored.
		toReceiverW.CloseWithError(err)
		senderDone <- err
		// The Receiver's Do writes one final "goodbye" index after the
		// Sender considers its side of the transfer finished; drain it
		// so that write doesn't block forever on this unbuffered
		// in-process pipe once nothing else is reading toSenderR.
		io.Copy(io.Discard, toSenderR)
	}()

	fileList, err := rt.ReceiveFileList()
	if err != nil {
		toSenderW.Close()
		<-senderDone
		return nil, err
	}
	stats, err := rt.Do(rt.Conn, fileList, true)
	toSenderW.Close()
	senderErr := <-senderDone
	if err != nil {
		return nil, err
	}
	if senderErr != nil {
		return nil, senderErr
	}
	return stats, nil
}

// Dial runs one transfer over conn, an already-established connection
// to a peer. When negotiate is true, conn has not yet exchanged the
// raw protocol-version integers (the case for a freshly spawned
// --server subprocess over a remote shell); when false, that exchange
// already happened out of band (the case for an rsync:// daemon
// connection, where it took the form of the "@RSYNCD: 30.0" ASCII
// greeting). Either way conn is about to send the checksum seed.
// o.Sender() selects which role this side plays; local is the source
// path (when sender) or destination path (when receiving).
func (c *Client) Dial(ctx context.Context, o *rsyncopts.Options, conn io.ReadWriter, local string, negotiate bool) (*rsyncstats.TransferStats, error) {
	crd, cwr := rsyncwire.CounterPair(conn, conn)
	rd := bufio.NewReaderSize(crd, 256*1024)
	return c.DialReader(ctx, o, crd, cwr, rd, local, negotiate)
}

// DialReader is Dial for callers that already hold the
// *rsyncwire.CountingReader/Writer pair and *bufio.Reader an earlier,
// out-of-band exchange on the same connection used (an rsync://
// daemon's ASCII handshake in particular) — reusing them instead of
// wrapping the raw connection again avoids losing any bytes the
// earlier bufio.Reader had already buffered ahead.
func (c *Client) DialReader(ctx context.Context, o *rsyncopts.Options, crd *rsyncwire.CountingReader, cwr *rsyncwire.CountingWriter, rd *bufio.Reader, local string, negotiate bool) (*rsyncstats.TransferStats, error) {
	wireConn := &rsyncwire.Conn{Reader: rd, Writer: cwr}

	if negotiate {
		if err := wireConn.WriteInt32(rsync.ProtocolVersion); err != nil {
			return nil, err
		}
		if _, err := wireConn.ReadInt32(); err != nil {
			return nil, err
		}
	}

	seed, err := wireConn.ReadInt32()
	if err != nil {
		return nil, err
	}

	// Build the multiplex reader on top of rd, not crd directly: rd may
	// already have buffered bytes past the seed ahead of this point (it
	// does in the rsync:// daemon case, where rd was also used for the
	// line-oriented ASCII handshake), and those bytes would otherwise be
	// silently skipped by a reader that starts fresh against crd.
	mrd := &rsyncwire.MultiplexReader{Reader: rd}
	wireConn.Reader = bufio.NewReaderSize(mrd, 256*1024)

	if o.Sender() {
		// The peer's Receiver reads a filter list only under --delete.
		if o.DeleteMode() {
			if err := sender.SendFilterList(wireConn, nil); err != nil {
				return nil, err
			}
		}
		st := &sender.Transfer{
			Logger: c.logger(),
			Opts: o,
			Conn: wireConn,
			Seed: seed,
		}
		return st.Do(crd, cwr, local, []string{"."}, nil)
	}

	// The peer's Sender reads a filter list before it sends its file list.
	if err := sender.SendFilterList(wireConn, nil); err != nil {
		return nil, err
	}

	rt := &receiver.Transfer{
		Logger: c.logger(),
		Opts: receiverOpts(o),
		Dest: local,
		Env: c.Env,
		Conn: wireConn,
		Seed: seed,
	}
	fileList, err := rt.ReceiveFileList()
	if err != nil {
		return nil, err
	}
	// noReport: true. This implementation's Sender (internal/sender)
	// never writes the optional end-of-session statistics frame , so the Receiver here must not wait
	// for one, whether the peer is our own rsyncd.Server or another
	// instance of this client dialing back in.
	stats, err := rt.Do(wireConn, fileList, true)
	if err != nil {
		return nil, err
	}
	stats.TotalBytesRead = crd.Bytes
	stats.TotalBytesWritten = cwr.Bytes
	return stats, nil
}
