//go:build linux && !nonamespacing

package maincmd

import (
	"fmt"
	"io"
	"syscall"
)

// dropPrivileges relinquishes root once the daemon listener (which may
// need to bind a privileged port) has been created.
func dropPrivileges(stderr io.Writer) error {
	if syscall.Getuid() != 0 {
		return nil
	}

	fmt.Fprintln(stderr, "running as root (uid 0), dropping privileges to nobody (uid/gid 65534)")
	if err := syscall.Setgid(65534); err != nil {
		return fmt.Errorf("setgid(65534): %v", err)
	}
	if err := syscall.Setuid(65534); err != nil {
		return fmt.Errorf("setuid(65534): %v", err)
	}

	// Defense in depth: bail out if root can still be regained.
	if err := syscall.Setgid(0); err == nil {
		return fmt.Errorf("unexpectedly able to re-gain gid 0 permission")
	}
	if err := syscall.Setuid(0); err == nil {
		return fmt.Errorf("unexpectedly able to re-gain uid 0 permission")
	}

	return nil
}
