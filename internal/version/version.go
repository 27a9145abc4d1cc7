// Package version reports build information stamped in at link time.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Build metadata, set with -ldflags "-X .../internal/version.Version=v1.2.3".
//
//nolint:gochecknoglobals // Link-time variables
var (
	Version = ""
	Commit  = ""
	Date    = ""
)

// Info contains version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build information of the running binary. Fields not set
// at link time fall back to the module build info, then to placeholders.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if info.Version == "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = s.Value
				}
			}
		}
	}
	return info
}

// String formats the info as "v1.2.3 (commit: abc1234, built: 2024-01-15)".
func (i Info) String() string {
	v := NormalizeVersion(i.Version)
	if v == "" {
		v = "dev"
	}
	commit := i.Commit
	if commit == "" {
		commit = "unknown"
	} else if len(commit) > 7 {
		commit = commit[:7]
	}
	date := i.Date
	if date == "" {
		date = "unknown"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", v, commit, date)
}

// NormalizeVersion ensures a release version carries a "v" prefix.
func NormalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || v == "dev" || strings.HasPrefix(v, "v") {
		return v
	}
	if v[0] >= '0' && v[0] <= '9' {
		return "v" + v
	}
	return v
}
