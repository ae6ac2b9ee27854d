//go:build !linux || nonamespacing

package maincmd

import "io"

// dropPrivileges is a no-op on platforms without the POSIX uid/gid
// syscalls this core's landlock sandboxing otherwise pairs with.
func dropPrivileges(stderr io.Writer) error {
	return nil
}
