// Package version holds build information for the sommelier binary.
package version

import "fmt"

// Set at build time, e.g. go build -ldflags "-X sommelier/pkg/version.Version=v1.2.3".
//
//nolint:gochecknoglobals // These must be package-level vars for ldflags injection.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build information for -version output.
func String() string {
	return fmt.Sprintf("sommelier %s (commit %s, built %s)", Version, Commit, Date)
}
