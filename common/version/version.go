// Package version holds build information injected with ldflags:
//
//	go build -ldflags "-X github.com/bdobrica/Kanri/common/version.Version=v1.2.0"
package version

import "runtime"

var (
	// Version is the semantic version.
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash.
	GitCommit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info returns a one-line version string.
func Info() string {
	return "kanri " + Version + " (" + GitCommit + ") built at " + BuildTime + " with " + runtime.Version()
}

// Map returns the build information for JSON status output.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_time": BuildTime,
		"go":         runtime.Version(),
	}
}
