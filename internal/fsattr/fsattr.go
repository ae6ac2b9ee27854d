// Package fsattr is the POSIX filesystem backend the Generator and
// Receiver use to stat entries and apply preserved attributes
// (permissions, ownership, mtimes, device nodes).
package fsattr

import (
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"

	"github.com/gokr-tools/grsync/internal/flist"
)

var amRoot = os.Getuid() == 0

var inGroup = func() map[uint32]bool {
	m := make(map[uint32]bool)
	u, err := user.Current()
	if err != nil {
		return m
	}
	gids, err := u.GroupIds()
	if err != nil {
		return m
	}
	for _, s := range gids {
		gid, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			continue
		}
		m[uint32(gid)] = true
	}
	return m
}()

// Manager is the concrete POSIX FileAttributeManager. All paths
// passed to its methods are already resolved, absolute local paths;
// path-traversal safety is the caller's responsibility (see
// internal/flist.SafeJoin).
type Manager struct{}

// StatResult is what Stat returns for an existing path.
type StatResult struct {
	Mode uint32
	Size int64
	ModTime int64
	UID int
	GID int
}

// Stat returns (result, true, nil) if path exists, (zero, false, nil)
// if it does not, or an error for anything else.
func (Manager) Stat(path string) (StatResult, bool, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatResult{}, false, nil
		}
		return StatResult{}, false, err
	}
	stt, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return StatResult{}, false, fmt.Errorf("fsattr: unsupported platform stat_t")
	}
	return StatResult{
		Mode: uint32(fi.Mode().Perm()) | typeBitsOf(fi.Mode()),
		Size: fi.Size(),
		ModTime: fi.ModTime().Unix(),
		UID: int(stt.Uid),
		GID: int(stt.Gid),
	}, true, nil
}

func typeBitsOf(mode fs.FileMode) uint32 {
	switch {
	case mode&fs.ModeDir != 0:
		return 0040000
	case mode&fs.ModeSymlink != 0:
		return 0120000
	case mode&fs.ModeDevice != 0 && mode&fs.ModeCharDevice != 0:
		return 0020000
	case mode&fs.ModeDevice != 0:
		return 0060000
	case mode&fs.ModeNamedPipe != 0:
		return 0010000
	case mode&fs.ModeSocket != 0:
		return 0140000
	default:
		return 0100000
	}
}

// SetFileMode applies permission bits. It never touches the type bits
// of mode.
func (Manager) SetFileMode(path string, mode uint32) error {
	return os.Chmod(path, fs.FileMode(mode&0777))
}

// SetLastModifiedTime applies mtime. atime is set to the same value.
func (Manager) SetLastModifiedTime(path string, mtime int64) error {
	ts := unix.NsecToTimespec(0)
	ts.Sec = mtime
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW)
}

// SetOwner applies uid/gid together: only root may change uid, and
// gid may only be changed to a group the process belongs to (or by
// root).
func (Manager) SetOwner(path string, uid, gid int, wantUID, wantGID bool) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	stt, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("fsattr: unsupported platform stat_t")
	}

	changeUID := wantUID && amRoot && stt.Uid != uint32(uid)
	changeGID := wantGID && (amRoot || inGroup[uint32(gid)]) && stt.Gid != uint32(gid)
	if !changeUID && !changeGID {
		return nil
	}

	newUID, newGID := int(stt.Uid), int(stt.Gid)
	if changeUID {
		newUID = uid
	}
	if changeGID {
		newGID = gid
	}
	return os.Lchown(path, newUID, newGID)
}

// CreateSymlink atomically creates (or replaces) a symlink at path
// pointing to target.
func (Manager) CreateSymlink(target, path string) error {
	return renameio.Symlink(target, path)
}

// Mknod creates a device or special file node.
func (Manager) Mknod(path string, kind flist.Kind, devType flist.DeviceType, mode uint32, major, minor int32) error {
	var m uint32
	switch kind {
	case flist.Device:
		switch devType {
		case flist.DeviceBlock:
			m = unix.S_IFBLK
		case flist.DeviceChar:
			m = unix.S_IFCHR
		}
	case flist.Special:
		switch devType {
		case flist.DeviceFIFO:
			m = unix.S_IFIFO
		case flist.DeviceSocket:
			m = unix.S_IFSOCK
		}
	}
	dev := unix.Mkdev(uint32(major), uint32(minor))
	return unix.Mknod(path, m|(mode&0777), int(dev))
}

// Remove deletes path, tolerating "already gone".
func (Manager) Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Mkdir creates a directory, tolerating "already exists".
func (Manager) Mkdir(path string, mode uint32) error {
	err := os.Mkdir(path, fs.FileMode(mode&0777))
	if os.IsExist(err) {
		return nil
	}
	return err
}

// ReadLink resolves the current symlink target at path, or "" if
// nothing exists at path. An existing non-symlink yields an error.
func (Manager) ReadLink(path string) (string, error) {
	target, err := os.Readlink(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	return target, err
}
