// Package rsync contains protocol-wide constants shared by every
// component of the implementation: the minimum supported protocol
// version, file-list sentinel indices, itemize-change bits, and
// per-file transmit flags.
//
// It intentionally carries no logic and no imports of its own sibling
// packages, so it stays leaf-level and every other package (including
// internal/rsyncwire) can depend on it without creating an import
// cycle.
package rsync

// ProtocolVersion is the only rsync wire-protocol version this
// implementation speaks. Peers advertising an older version are
// rejected during the handshake (see internal/session).
const ProtocolVersion = 30

// MinProtocolVersion is the oldest protocol version this
// implementation will accept from a peer during negotiation.
const MinProtocolVersion = 30

// Sentinel file-list indices, see internal/flist.
const (
	IndexDone = -1
	IndexEOF = -2
	IndexOffset = -101
)

// Itemize-change bitfield values.
const (
	ItemIsNew = 1 << 0
	ItemReportChange = 1 << 1
	ItemReportGroup = 1 << 4
	ItemReportOwner = 1 << 5
	ItemReportPerms = 1 << 6
	ItemReportTime = 1 << 7
	ItemReportSize = 1 << 8
	ItemTransfer = 1 << 11
	ItemLocalChange = 1 << 14
)

// IOError accumulator bits.
const (
	IOErrorGeneral = 1 << iota
	IOErrorVanished
	IOErrorTransfer
)

// Per-file transmit flags (xflags). The low byte is always present;
// the high byte is only transmitted when XflagExtendedFlags is set in
// the low byte.
const (
	XflagTopDir = 0x01
	XflagSameMode = 0x02
	XflagExtendedFlags = 0x04
	XflagSameUID = 0x08
	XflagSameGID = 0x10
	XflagSameName = 0x20
	XflagLongName = 0x40
	XflagSameTime = 0x80

	XflagSameRdevMajor = 0x0002 << 8
	XflagNoContentDir = 0x0008 << 8
	XflagHlinked = 0x0010 << 8
	XflagUserNameFollows = 0x0020 << 8
	XflagGroupNameFollows = 0x0040 << 8
	XflagHlinkFirst = 0x0080 << 8
)

// Compatibility flags exchanged right after the version handshake.
const (
	CfIncRecurse = 0x01
	CfSymlinkTimes = 0x02
	CfSafeFlist = 0x04
	CfAvoidXattrs = 0x08
)

// Smallest and largest permitted strong-checksum digest lengths.
const (
	MinDigestLength = 2
	MaxDigestLength = 16
	// DigestLength used when the receiver has no local data at all to
	// match against (whole-file transfer); always MD5's full size.
	WholeFileDigestLength = 16
)

// ChunkSize bounds the size of a single literal-data token emitted by
// the Sender.
const ChunkSize = 1 << 13 // 8 KiB

// PartialFileListSize is rsync's bound on how many files may be in
// flight during incremental file-list expansion. Nothing in this module
// reads it: the Generator requests expansions however many files are
// in flight.
const PartialFileListSize = 1024
