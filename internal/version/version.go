// Package version carries build metadata stamped in with -ldflags, e.g.
//
//	-X github.com/banshee-data/vehicle-telemetry/internal/version.Version=v0.3.0
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("%s (%s, %s)", Version, GitSHA, BuildTime)
}

// Full appends the Go toolchain and platform to Info.
func Full(program string) string {
	return fmt.Sprintf("%s %s\n  Go: %s\n  Platform: %s/%s",
		program, Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
