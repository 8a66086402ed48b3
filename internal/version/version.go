// Package version holds build-time identifiers, overridden via -ldflags at
// build time (e.g. -X github.com/guardant/guardant/internal/version.Version=1.4.0).
package version

var (
	Version = "dev"
	Commit  = "unknown"
)
