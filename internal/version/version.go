// Package version provides the client version and build info.
//
//nolint:revive
package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

var (
	// Version is the current version of the client.
	// It can be overridden by ldflags at build time.
	Version = "dev"
	// CommitHash is the git commit hash at build time.
	// It can be overridden by ldflags at build time.
	CommitHash = ""
	// BuildTime is the time when the client was built.
	// It can be overridden by ldflags at build time.
	BuildTime = ""

	buildInfoOnce sync.Once
)

// GetInfo returns a formatted version string including the version and short commit hash.
func GetInfo() string {
	buildInfoOnce.Do(readBuildInfo)

	res := Version
	if CommitHash != "" {
		res += fmt.Sprintf(" (%s)", shortHash(CommitHash))
	}
	return res
}

// UserAgent is sent with API requests and the push handshake.
func UserAgent() string {
	return "chatsync/" + GetInfo()
}

func readBuildInfo() {
	if CommitHash != "" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			CommitHash = setting.Value
		case "vcs.time":
			BuildTime = setting.Value
		}
	}
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
