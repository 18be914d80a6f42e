// Package version exposes the build metadata stamped into the
// meterpipe binary.
package version

import (
	"fmt"
	"runtime"
)

// Injected via ldflags at build time.
var (
	Release   = "dev"
	GitCommit = "unknown"
)

// Full returns the version string in the format "release (commit)".
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Release, GitCommit)
}

// FullWithPlatform returns the version string with platform and Go
// runtime information appended.
func FullWithPlatform() string {
	return fmt.Sprintf("%s (commit: %s, %s/%s, %s)",
		Release, GitCommit, runtime.GOOS, runtime.GOARCH, runtime.Version())
}
