// Package session implements the rsync v30 handshake: version
// exchange, module selection/auth for daemon mode, compatibility
// flags, and the checksum seed.
package session

import (
	"bufio"
	"crypto/md5"
	"fmt"
	"strings"

	rsync "github.com/gokr-tools/grsync"
	"github.com/gokr-tools/grsync/internal/rsyncwire"
)

// Handshake is the negotiated session state both sides agree on
// before entering the filelist/transfer phases.
type Handshake struct {
	ProtocolVersion int
	CompatFlags int
	ChecksumSeed int32
}

// ExchangeVersion implements step 1: both sides send
// "@RSYNCD: <major>.<minor>\n" and the lower mutually-understood
// version wins. This core only ever accepts MinProtocolVersion.
func ExchangeVersion(br *bufio.Reader, w *rsyncwire.Conn) (int, error) {
	if err := w.WriteString(fmt.Sprintf("@RSYNCD: %d.0\n", rsync.ProtocolVersion)); err != nil {
		return 0, err
	}
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(line, "\n")
	if !strings.HasPrefix(line, "@RSYNCD: ") {
		return 0, fmt.Errorf("session: unexpected greeting %q", line)
	}
	var major, minor int
	if _, err := fmt.Sscanf(strings.TrimPrefix(line, "@RSYNCD: "), "%d.%d", &major, &minor); err != nil {
		return 0, fmt.Errorf("session: malformed greeting %q: %w", line, err)
	}
	if major < rsync.MinProtocolVersion {
		return 0, fmt.Errorf("session: peer protocol %d.%d below minimum %d", major, minor, rsync.MinProtocolVersion)
	}
	if major > rsync.ProtocolVersion {
		major = rsync.ProtocolVersion
	}
	return major, nil
}

// AuthChallengeResponse computes the "<user> <md5-of-challenge+password>"
// reply to an "@RSYNCD: AUTHREQD <challenge>" prompt (step 3).
func AuthChallengeResponse(user, password, challenge string) string {
	h := md5.Sum([]byte(password + challenge))
	return fmt.Sprintf("%s %x", user, h)
}

// ReadModuleLine reads the client's requested module name (step 2);
// an empty line requests the module listing.
func ReadModuleLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// WriteArgs sends each argument null-terminated, followed by an empty
// terminating argument (step 5).
func WriteArgs(w *rsyncwire.Conn, args []string) error {
	for _, a := range args {
		if err := w.WriteString(a); err != nil {
			return err
		}
		if err := w.WriteByte(0); err != nil {
			return err
		}
	}
	return w.WriteByte(0)
}

// ReadArgs is the read-side counterpart of WriteArgs.
func ReadArgs(br *bufio.Reader) ([]string, error) {
	var args []string
	for {
		s, err := br.ReadString(0)
		if err != nil {
			return nil, err
		}
		s = strings.TrimSuffix(s, "\x00")
		if s == "" {
			return args, nil
		}
		args = append(args, s)
	}
}

// WriteCompatFlags sends the single compatibility-flags byte (step 6).
func WriteCompatFlags(c *rsyncwire.Conn, flags int) error {
	return c.WriteByte(byte(flags))
}

func ReadCompatFlags(c *rsyncwire.Conn) (int, error) {
	b, err := c.ReadByte()
	return int(b), err
}

// WriteChecksumSeed sends the 32-bit checksum seed (step 7).
func WriteChecksumSeed(c *rsyncwire.Conn, seed int32) error {
	return c.WriteInt32(seed)
}

func ReadChecksumSeed(c *rsyncwire.Conn) (int32, error) {
	return c.ReadInt32()
}
