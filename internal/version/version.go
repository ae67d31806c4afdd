// Package version reports build information for the binary.
package version

import "fmt"

// Version is set at build time with -ldflags "-X .../version.Version=...".
var Version = "dev"

// BuildTime is set at build time with -ldflags.
var BuildTime = "unknown"

// String returns the formatted version information.
func String() string {
	return fmt.Sprintf("wanderplan version %s (built %s)", Version, BuildTime)
}
