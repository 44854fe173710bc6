// Package version provides build-time version information for dbpool.
//
// Version is set at build time using ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/dbpool/version.Version=1.0.0"
//
// When ldflags are absent, the module version and VCS settings embedded by
// the Go toolchain are used instead.
package version

import (
	"runtime/debug"
	"sync"
)

// Version is the software version, set at build time via ldflags.
var Version = "dev"

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = ""

// BuildTime is when the binary was built, set at build time via ldflags.
var BuildTime = ""

var readBuildInfo = debug.ReadBuildInfo

var fillOnce sync.Once

// fill replaces unset values with those from the embedded build info.
func fill() {
	info, ok := readBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "" {
				GitCommit = s.Value
				if len(GitCommit) > 7 {
					GitCommit = GitCommit[:7]
				}
			}
		case "vcs.time":
			if BuildTime == "" {
				BuildTime = s.Value
			}
		}
	}
}

// Full returns the full version string including commit and build time if available.
func Full() string {
	fillOnce.Do(fill)

	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}
