// Package version reports build metadata. Values come from ldflags when the
// release build sets them and from the embedded module info otherwise.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set via -ldflags "-X github.com/smazurov/alterego/internal/version.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	BuildDate = ""
)

// Info contains version and build metadata.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	Modified  bool   `json:"modified"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

var (
	once sync.Once
	info Info
)

// Get returns version and build information.
func Get() Info {
	once.Do(func() {
		info = Info{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
			Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		}
		if bi, ok := debug.ReadBuildInfo(); ok {
			fillFromBuildInfo(&info, bi)
		}
		if info.GitCommit == "" {
			info.GitCommit = "unknown"
		}
		if info.BuildDate == "" {
			info.BuildDate = "unknown"
		}
	})
	return info
}

func fillFromBuildInfo(i *Info, bi *debug.BuildInfo) {
	if i.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.GitCommit == "" {
				i.GitCommit = s.Value
			}
		case "vcs.time":
			if i.BuildDate == "" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			i.Modified = s.Value == "true"
		}
	}
}

// Short returns the commit abbreviated to 7 characters.
func (i Info) Short() string {
	if len(i.GitCommit) > 7 && i.GitCommit != "unknown" {
		return i.GitCommit[:7]
	}
	return i.GitCommit
}

// String returns "version (commit)" for --version output.
func String() string {
	i := Get()
	s := i.Version
	if c := i.Short(); c != "" && c != "unknown" {
		s += " (" + c
		if i.Modified {
			s += "-dirty"
		}
		s += ")"
	}
	return s
}
