package flist

import (
	rsync "github.com/gokr-tools/grsync"
	"github.com/gokr-tools/grsync/internal/rsyncwire"
)

// POSIX file-type bits within Attributes.Mode (the S_IFMT field),
// used to recover a FileInfo's Kind after a wire round trip without
// transmitting it separately.
const (
	modeTypeMask = 0170000
	modeDir = 0040000
	modeSymlink = 0120000
	modeBlock = 0060000
	modeChar = 0020000
	modeFIFO = 0010000
	modeSocket = 0140000
)

func kindFromMode(mode uint32) Kind {
	switch mode & modeTypeMask {
	case modeDir:
		return Directory
	case modeSymlink:
		return Symlink
	case modeBlock, modeChar:
		return Device
	case modeFIFO, modeSocket:
		return Special
	default:
		return Regular
	}
}

func deviceTypeFromMode(mode uint32) DeviceType {
	switch mode & modeTypeMask {
	case modeBlock:
		return DeviceBlock
	case modeChar:
		return DeviceChar
	case modeFIFO:
		return DeviceFIFO
	case modeSocket:
		return DeviceSocket
	default:
		return DeviceBlock
	}
}

// cache remembers state across consecutive file-list entries so that
// fields identical to the
// previous entry can be omitted from the wire (xflags SAME_* bits).
// An Encoder and a Decoder each keep their own cache, updated in
// lockstep as entries are produced/consumed.
type cache struct {
	name string
	mode uint32
	uid int
	gid int
	modTime int64
	devMajor int32
}

// Encoder serializes FileInfo entries for one segment onto the wire,
// compressing fields that repeat from the previous entry.
type Encoder struct {
	c *rsyncwire.Conn
	cache cache
}

func NewEncoder(c *rsyncwire.Conn) *Encoder { return &Encoder{c: c} }

// Encode writes a single entry. Callers must call Encode(nil) after
// the last entry in a segment to emit the terminating zero flag byte.
func (e *Encoder) Encode(f *FileInfo) error {
	if f == nil {
		return e.c.WriteByte(0)
	}

	xflags := 0
	samePrefix := 0
	for samePrefix < len(e.cache.name) && samePrefix < len(f.Path) &&
		samePrefix < 255 && e.cache.name[samePrefix] == f.Path[samePrefix] {
		samePrefix++
	}
	if samePrefix > 0 {
		xflags |= rsync.XflagSameName
	}
	suffix := f.Path[samePrefix:]
	longName := len(suffix) > 255
	if longName {
		xflags |= rsync.XflagLongName
	}
	sameMode := f.Attrs.Mode == e.cache.mode
	if sameMode {
		xflags |= rsync.XflagSameMode
	}
	sameUID := f.Attrs.UID == e.cache.uid
	if sameUID {
		xflags |= rsync.XflagSameUID
	}
	sameGID := f.Attrs.GID == e.cache.gid
	if sameGID {
		xflags |= rsync.XflagSameGID
	}
	sameTime := f.Attrs.ModTime == e.cache.modTime
	if sameTime {
		xflags |= rsync.XflagSameTime
	}
	if f.Kind == Directory {
		xflags |= rsync.XflagTopDir
	}
	sameDevMajor := (f.Kind == Device || f.Kind == Special) && f.Attrs.DevMajor == e.cache.devMajor
	if sameDevMajor {
		xflags |= rsync.XflagSameRdevMajor
	}
	extended := xflags > 0xFF
	if extended {
		xflags |= rsync.XflagExtendedFlags
	}
	if xflags&0xFF == 0 && !extended {
		// Flag byte 0 is reserved for the segment terminator: bump a
		// harmless bit so a real (all-different) entry never collides.
		xflags |= rsync.XflagExtendedFlags
		extended = true
	}

	if extended {
		if err := e.c.WriteByte(byte(xflags)); err != nil {
			return err
		}
		if err := e.c.WriteByte(byte(xflags >> 8)); err != nil {
			return err
		}
	} else {
		if err := e.c.WriteByte(byte(xflags)); err != nil {
			return err
		}
	}

	if samePrefix > 0 {
		if err := e.c.WriteByte(byte(samePrefix)); err != nil {
			return err
		}
	}
	if longName {
		if err := rsyncwire.WriteVarint(e.c, int64(len(suffix)), 1); err != nil {
			return err
		}
	} else {
		if err := e.c.WriteByte(byte(len(suffix))); err != nil {
			return err
		}
	}
	if err := e.c.WriteString(suffix); err != nil {
		return err
	}

	if err := rsyncwire.WriteVarint(e.c, f.Attrs.Size, 3); err != nil {
		return err
	}
	if !sameTime {
		if err := rsyncwire.WriteVarint(e.c, f.Attrs.ModTime, 4); err != nil {
			return err
		}
	}
	if !sameMode {
		if err := e.c.WriteInt32(int32(f.Attrs.Mode)); err != nil {
			return err
		}
	}
	if !sameUID {
		if err := e.c.WriteInt32(int32(f.Attrs.UID)); err != nil {
			return err
		}
	}
	if !sameGID {
		if err := e.c.WriteInt32(int32(f.Attrs.GID)); err != nil {
			return err
		}
	}
	if f.Kind == Device || f.Kind == Special {
		if !sameDevMajor {
			if err := e.c.WriteInt32(f.Attrs.DevMajor); err != nil {
				return err
			}
		}
		if err := e.c.WriteInt32(f.Attrs.DevMinor); err != nil {
			return err
		}
	}
	if f.Kind == Symlink {
		if err := rsyncwire.WriteVarint(e.c, int64(len(f.LinkTarget)), 1); err != nil {
			return err
		}
		if err := e.c.WriteString(f.LinkTarget); err != nil {
			return err
		}
	}

	e.cache = cache{name: f.Path, mode: f.Attrs.Mode, uid: f.Attrs.UID, gid: f.Attrs.GID,
		modTime: f.Attrs.ModTime, devMajor: f.Attrs.DevMajor}
	return nil
}

// Decoder is the read-side counterpart of Encoder.
type Decoder struct {
	c *rsyncwire.Conn
	cache cache
}

func NewDecoder(c *rsyncwire.Conn) *Decoder { return &Decoder{c: c} }

// Decode reads one entry, or returns (nil, nil) at the segment terminator.
func (d *Decoder) Decode() (*FileInfo, error) {
	b0, err := d.c.ReadByte()
	if err != nil {
		return nil, err
	}
	if b0 == 0 {
		return nil, nil
	}
	xflags := int(b0)
	if xflags&rsync.XflagExtendedFlags != 0 {
		b1, err := d.c.ReadByte()
		if err != nil {
			return nil, err
		}
		xflags |= int(b1) << 8
	}

	samePrefix := 0
	if xflags&rsync.XflagSameName != 0 {
		b, err := d.c.ReadByte()
		if err != nil {
			return nil, err
		}
		samePrefix = int(b)
	}

	var suffixLen int64
	if xflags&rsync.XflagLongName != 0 {
		suffixLen, err = rsyncwire.ReadVarint(d.c, 1)
		if err != nil {
			return nil, err
		}
	} else {
		b, err := d.c.ReadByte()
		if err != nil {
			return nil, err
		}
		suffixLen = int64(b)
	}
	suffixBytes, err := d.c.ReadN(int(suffixLen))
	if err != nil {
		return nil, err
	}
	path := d.cache.name[:samePrefix] + string(suffixBytes)

	f := &FileInfo{Path: path}

	size, err := rsyncwire.ReadVarint(d.c, 3)
	if err != nil {
		return nil, err
	}
	f.Attrs.Size = size

	if xflags&rsync.XflagSameTime != 0 {
		f.Attrs.ModTime = d.cache.modTime
	} else {
		f.Attrs.ModTime, err = rsyncwire.ReadVarint(d.c, 4)
		if err != nil {
			return nil, err
		}
	}

	if xflags&rsync.XflagSameMode != 0 {
		f.Attrs.Mode = d.cache.mode
	} else {
		mode, err := d.c.ReadInt32()
		if err != nil {
			return nil, err
		}
		f.Attrs.Mode = uint32(mode)
	}

	if xflags&rsync.XflagSameUID != 0 {
		f.Attrs.UID = d.cache.uid
	} else {
		uid, err := d.c.ReadInt32()
		if err != nil {
			return nil, err
		}
		f.Attrs.UID = int(uid)
	}

	if xflags&rsync.XflagSameGID != 0 {
		f.Attrs.GID = d.cache.gid
	} else {
		gid, err := d.c.ReadInt32()
		if err != nil {
			return nil, err
		}
		f.Attrs.GID = int(gid)
	}

	f.Kind = kindFromMode(f.Attrs.Mode)
	if f.Kind == Device || f.Kind == Special {
		f.DeviceType = deviceTypeFromMode(f.Attrs.Mode)
		devMajor := d.cache.devMajor
		if xflags&rsync.XflagSameRdevMajor == 0 {
			m, err := d.c.ReadInt32()
			if err != nil {
				return nil, err
			}
			devMajor = m
		}
		devMinor, err := d.c.ReadInt32()
		if err != nil {
			return nil, err
		}
		f.Attrs.DevMajor = devMajor
		f.Attrs.DevMinor = devMinor
	}
	if f.Kind == Symlink {
		linkLen, err := rsyncwire.ReadVarint(d.c, 1)
		if err != nil {
			return nil, err
		}
		linkBytes, err := d.c.ReadN(int(linkLen))
		if err != nil {
			return nil, err
		}
		f.LinkTarget = string(linkBytes)
	}

	d.cache = cache{name: path, mode: f.Attrs.Mode, uid: f.Attrs.UID, gid: f.Attrs.GID,
		modTime: f.Attrs.ModTime, devMajor: f.Attrs.DevMajor}
	return f, nil
}
