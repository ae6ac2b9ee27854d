package receiver

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/gokr-tools/grsync/internal/flist"
	"github.com/gokr-tools/grsync/internal/generator"
	"github.com/gokr-tools/grsync/internal/rsyncstats"
	"github.com/gokr-tools/grsync/internal/rsyncwire"
)

// Do drives one transfer to completion : it seeds a
// shared file list from the already-received fileList, then runs the
// local Generator and this Receiver's read loop concurrently until
// both agree every entry has been reconciled.
//
// fileList holds one directory level (the transfer root and its
// immediate children): any directory in it is marked Locatable via
// LocalPath, which is what tells the shared Filelist to treat it as a
// stub awaiting lazy expansion. Deeper levels arrive later as the
// Generator requests them and the Receiver pushes them onto fl via
// recvExpansion, so EOF is set right away: no further *unsolicited*
// top-level segments will ever arrive.
func (rt *Transfer) Do(c *rsyncwire.Conn, fileList []*flist.FileInfo, noReport bool) (*rsyncstats.TransferStats, error) {
	for _, f := range fileList {
		// "." is the transfer root itself: its immediate children are
		// already part of this same push, so it must not be marked as a
		// stub or the Generator would request (and duplicate) a level
		// that was already sent.
		if !f.IsDir() || f.Path == "." {
			continue
		}
		if local, err := flist.SafeJoin(rt.Dest, f.Path); err == nil {
			f.LocalPath = local
		}
	}

	fl := flist.New()
	if len(fileList) > 0 {
		fl.NewSegment(nil, fileList)
	}
	fl.SetEOF()

	gen := generator.New(rt.Dest, generator.Opts{
		DryRun: rt.Opts.DryRun,
		DeleteMode: rt.Opts.DeleteMode,
		PreserveUID: rt.Opts.PreserveUid,
		PreserveGID: rt.Opts.PreserveGid,
		PreservePerms: rt.Opts.PreservePerms,
		PreserveTimes: rt.Opts.PreserveTimes,
		PreserveDevices: rt.Opts.PreserveDevices,
		PreserveSpecials: rt.Opts.PreserveSpecials,
	})
	gen.Logger = rt.Logger
	gen.Seed = rt.Seed
	gen.Filter = rt.Opts.Filter

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return gen.Run(ctx, c, fl)
	})
	eg.Go(func() error {
		// The Receiver's read loop blocks on the connection, which isn't
		// context-aware; run it in its own goroutine and race it against
		// ctx so a Generator failure doesn't hang this errgroup forever.
		errCh := make(chan error, 1)
		go func() { errCh <- rt.recvFiles(fl) }()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		}
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	stats := &rsyncstats.TransferStats{
		NumFiles: len(fileList),
	}
	if !noReport {
		peer, err := rt.report(c)
		if err != nil {
			return nil, err
		}
		stats.TotalBytesRead = peer.TotalBytesRead
		stats.TotalBytesWritten = peer.TotalBytesWritten
		stats.TotalFileSize = peer.TotalFileSize
	}

	// Send the final goodbye index.
	if err := c.WriteInt32(-1); err != nil {
		return nil, err
	}

	return stats, nil
}

// report reads the peer's end-of-session statistics frame.
func (rt *Transfer) report(c *rsyncwire.Conn) (*rsyncstats.TransferStats, error) {
	read, err := c.ReadInt64()
	if err != nil {
		return nil, err
	}
	written, err := c.ReadInt64()
	if err != nil {
		return nil, err
	}
	size, err := c.ReadInt64()
	if err != nil {
		return nil, err
	}
	rt.Logger.Printf("peer stats: read=%d, written=%d, size=%d", read, written, size)
	return &rsyncstats.TransferStats{
		TotalBytesRead: read,
		TotalBytesWritten: written,
		TotalFileSize: size,
	}, nil
}
