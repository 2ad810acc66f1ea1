// Package buildinfo exposes version metadata stamped at build time.
package buildinfo

import (
	"runtime/debug"
	"strings"
)

// Version is overridable via -ldflags "-X .../buildinfo.Version=v1.2.3".
var Version = "0.1.0"

// Info is normalized build metadata for display.
type Info struct {
	Version string
	Commit  string
}

// Current returns the linker-stamped version, falling back to module and VCS
// metadata embedded by the Go toolchain.
func Current() Info {
	info := Info{Version: strings.TrimSpace(Version)}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if (info.Version == "" || info.Version == "0.1.0") && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		dirty := false
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Commit = strings.TrimSpace(s.Value)
			case "vcs.modified":
				dirty = strings.EqualFold(strings.TrimSpace(s.Value), "true")
			}
		}
		if info.Commit != "" {
			if len(info.Commit) > 12 {
				info.Commit = info.Commit[:12]
			}
			if dirty {
				info.Commit += "-dirty"
			}
		}
	}

	if info.Version == "" {
		info.Version = "unknown"
	}
	return info
}
