// Package buildinfo holds version and build metadata stamped at compile
// time via ldflags, for cmd/opennettyctl's "version" subcommand.
package buildinfo

import (
	"fmt"
	"runtime"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// Info returns compile-time and platform metadata.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// String returns a one-line summary for "opennettyctl version".
func String() string {
	return fmt.Sprintf("opennettyctl %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
