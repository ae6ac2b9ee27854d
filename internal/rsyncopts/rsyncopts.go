// Package rsyncopts parses the subset of the rsync(1) command-line
// surface this core's Generator/Sender/Receiver actually consult. It
// deliberately does not attempt popt(3)-compatible parsing of the
// full upstream flag set (aliases, prefix matching, bundled
// single-letter groups beyond the common case): CLI parsing at large
// is named as an external collaborator, out of scope.
package rsyncopts

import (
	"fmt"
	"strings"

	"github.com/gokr-tools/grsync/internal/filter"
)

// Options holds the subset of rsync's behavior flags the core reads.
// Accessor methods are named after the flag they expose so call sites
// read naturally (opts.PreserveMTimes(), opts.DeleteMode(), ...).
type Options struct {
	server bool
	sender bool
	daemon bool
	dryRun bool
	verbose bool
	delete bool
	ignoreTimes bool

	preserveUID bool
	preserveGID bool
	preserveLinks bool
	preservePerms bool
	preserveDevices bool
	preserveSpecials bool
	preserveTimes bool
	preserveHardLinks bool
	wholeFile bool

	shellCommand string
	localServer bool

	filterRules []filter.Rule
}

func (o *Options) Server() bool { return o.server }
func (o *Options) Sender() bool { return o.sender }
func (o *Options) Daemon() bool { return o.daemon }
func (o *Options) DryRun() bool { return o.dryRun }
func (o *Options) Verbose() bool { return o.verbose }
func (o *Options) DeleteMode() bool { return o.delete }
func (o *Options) IgnoreTimes() bool { return o.ignoreTimes }
func (o *Options) PreserveUid() bool { return o.preserveUID }
func (o *Options) PreserveGid() bool { return o.preserveGID }
func (o *Options) PreserveLinks() bool { return o.preserveLinks }
func (o *Options) PreservePerms() bool { return o.preservePerms }
func (o *Options) PreserveDevices() bool { return o.preserveDevices }
func (o *Options) PreserveSpecials() bool { return o.preserveSpecials }
func (o *Options) PreserveMTimes() bool { return o.preserveTimes }
func (o *Options) PreserveHardLinks() bool { return o.preserveHardLinks }
func (o *Options) ShellCommand() string { return o.shellCommand }
func (o *Options) LocalServer() bool { return o.localServer }
func (o *Options) WholeFile() bool { return o.wholeFile }

// FilterList builds the include/exclude/protect rule list parsed from
// --exclude/--include/--filter flags, in the order they were given.
func (o *Options) FilterList() *filter.List { return filter.New(o.filterRules...) }

// SetSender marks this side as the sender, used by the client when it
// infers its role from which of the source/dest arguments is remote.
func (o *Options) SetSender() { o.sender = true }
func (o *Options) SetLocalServer() { o.localServer = true }

// Help returns a short usage summary for the trimmed client CLI
// surface this core supports.
func (o *Options) Help() string {
	return `usage: grsync [-anvH] [--delete] [-e command] SRC DEST
 grsync [-anvH] rsync://HOST[:PORT]/MODULE/PATH DEST`
}

// NewOptions returns the rsync(1) archive-mode (-a) defaults: links,
// perms, times, group, owner, devices and specials all preserved.
func NewOptions() *Options {
	return &Options{
		preserveLinks: true,
		preservePerms: true,
		preserveTimes: true,
		preserveUID: true,
		preserveGID: true,
		preserveDevices: true,
		preserveSpecials: true,
	}
}

// ParseResult bundles the parsed Options with the positional
// arguments rsync leaves over (".", then source/destination paths).
type ParseResult struct {
	Options *Options
	RemainingArgs []string
}

// ParseArguments parses args the way rsync's client invokes its
// server/sender child process: a run of flags, then positional paths.
func ParseArguments(args []string) (*ParseResult, error) {
	o := NewOptions()
	var remaining []string

	i := 0
	for ; i < len(args); i++ {
		a := args[i]
		if a == "." || !strings.HasPrefix(a, "-") {
			break
		}
		switch {
		case a == "--server":
			o.server = true
		case a == "--sender":
			o.sender = true
		case a == "--daemon":
			o.daemon = true
		case a == "-n" || a == "--dry-run":
			o.dryRun = true
		case a == "-v" || a == "--verbose":
			o.verbose = true
		case a == "--delete":
			o.delete = true
		case a == "--ignore-times" || a == "-I":
			o.ignoreTimes = true
		case a == "-a" || a == "--archive":
			o.preserveLinks = true
			o.preservePerms = true
			o.preserveTimes = true
			o.preserveUID = true
			o.preserveGID = true
			o.preserveDevices = true
			o.preserveSpecials = true
		case a == "--no-owner":
			o.preserveUID = false
		case a == "--no-group":
			o.preserveGID = false
		case a == "--no-links":
			o.preserveLinks = false
		case a == "--no-perms":
			o.preservePerms = false
		case a == "--no-times":
			o.preserveTimes = false
		case a == "-H" || a == "--hard-links":
			o.preserveHardLinks = true
		case a == "-W" || a == "--whole-file":
			o.wholeFile = true
		case a == "-e" || a == "--rsh":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("rsyncopts: %s requires an argument", a)
			}
			i++
			o.shellCommand = args[i]
		case strings.HasPrefix(a, "--rsh="):
			o.shellCommand = strings.TrimPrefix(a, "--rsh=")
		case strings.HasPrefix(a, "--exclude="):
			o.filterRules = append(o.filterRules, filter.Rule{Pattern: strings.TrimPrefix(a, "--exclude="), Action: filter.Exclude})
		case strings.HasPrefix(a, "--include="):
			o.filterRules = append(o.filterRules, filter.Rule{Pattern: strings.TrimPrefix(a, "--include="), Action: filter.Include})
		case strings.HasPrefix(a, "--filter="):
			rule, err := parseFilterFlag(strings.TrimPrefix(a, "--filter="))
			if err != nil {
				return nil, err
			}
			o.filterRules = append(o.filterRules, rule)
		case isShortBundle(a):
			if err := applyShortBundle(o, a[1:]); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("rsyncopts: unsupported flag %q", a)
		}
	}
	remaining = append(remaining, args[i:]...)
	return &ParseResult{Options: o, RemainingArgs: remaining}, nil
}

// parseFilterFlag parses one --filter=RULE argument, supporting the
// "+ PATTERN" / "- PATTERN" / "P PATTERN" / "H PATTERN" forms (also
// accepted with no space, e.g. "-foo/*"), the same symbols
// internal/filter.LoadDirMerge reads from a .rsync-filter file.
func parseFilterFlag(rule string) (filter.Rule, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return filter.Rule{}, fmt.Errorf("rsyncopts: --filter requires a rule")
	}
	symbol := rule[0]
	pattern := strings.TrimSpace(rule[1:])
	if pattern == "" {
		return filter.Rule{}, fmt.Errorf("rsyncopts: --filter rule %q has no pattern", rule)
	}
	var action filter.Action
	switch symbol {
	case '+':
		action = filter.Include
	case '-':
		action = filter.Exclude
	case 'P':
		action = filter.Protect
	case 'H':
		action = filter.Hide
	default:
		return filter.Rule{}, fmt.Errorf("rsyncopts: unsupported --filter rule %q", rule)
	}
	return filter.Rule{Pattern: pattern, Action: action}, nil
}

// isShortBundle reports whether a looks like a bundle of single-letter
// flags, e.g. "-av" or "-nlogDtpr" as a --server invocation sends.
func isShortBundle(a string) bool {
	return len(a) > 1 && a[0] == '-' && a[1] != '-'
}

func applyShortBundle(o *Options, letters string) error {
	for _, l := range letters {
		switch l {
		case 'n':
			o.dryRun = true
		case 'v':
			o.verbose = true
		case 'a':
			o.preserveLinks = true
			o.preservePerms = true
			o.preserveTimes = true
			o.preserveUID = true
			o.preserveGID = true
			o.preserveDevices = true
			o.preserveSpecials = true
		case 'l':
			o.preserveLinks = true
		case 'o':
			o.preserveUID = true
		case 'g':
			o.preserveGID = true
		case 'D':
			o.preserveDevices = true
			o.preserveSpecials = true
		case 't':
			o.preserveTimes = true
		case 'p':
			o.preservePerms = true
		case 'r':
			// recursion is always incremental in this core; accepted for
			// command-line compatibility and otherwise ignored.
		case 'H':
			o.preserveHardLinks = true
		default:
			return fmt.Errorf("rsyncopts: unsupported short flag %q", string(l))
		}
	}
	return nil
}
