// Package rsyncdconfig loads the TOML file describing which modules a
// daemon-mode server exposes. This is grsync's own, much smaller
// format, not an interoperable reimplementation of rsyncd.conf.
package rsyncdconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/gokr-tools/grsync/rsyncd"
)

// Config is the top-level shape of a grsyncd.toml file.
type Config struct {
	// Listen is the address (host:port) the daemon listens on for
	// rsync:// connections, e.g. "0.0.0.0:873" or ":8730".
	Listen string `toml:"listen"`

	Modules []rsyncd.Module `toml:"module"`
}

// DefaultPaths are consulted in order by FromDefaultFiles.
var DefaultPaths = []string{
	"/etc/grsyncd.toml",
	"/etc/grsyncd/grsyncd.toml",
}

// FromFile parses the TOML file at path.
func FromFile(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("rsyncdconfig: %s: %w", path, err)
	}
	for _, mod := range cfg.Modules {
		if mod.Name == "" {
			return nil, fmt.Errorf("rsyncdconfig: %s: module with empty name", path)
		}
		if mod.Path == "" {
			return nil, fmt.Errorf("rsyncdconfig: %s: module %q has empty path", path, mod.Name)
		}
	}
	return &cfg, nil
}

// FromDefaultFiles tries each of DefaultPaths in turn, returning the
// first one that exists. The returned path is empty alongside a
// os.IsNotExist error when none of DefaultPaths exist.
func FromDefaultFiles() (*Config, string, error) {
	var lastErr error = os.ErrNotExist
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				lastErr = err
				continue
			}
			return nil, "", err
		}
		cfg, err := FromFile(p)
		if err != nil {
			return nil, "", err
		}
		return cfg, p, nil
	}
	return nil, "", lastErr
}
