// Package version holds build-time identifiers, overridden via -ldflags
// "-X github.com/bosmadev/gswarm-gateway/internal/version.Version=...".
package version

var (
	// Version is the semantic version or tag the binary was built from.
	Version = "dev"
	// Commit is the VCS commit SHA the binary was built from.
	Commit = "unknown"
)
