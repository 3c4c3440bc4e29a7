// Package version carries build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X marketsync/internal/version.Version=v1.2.0" ./cmd/marketsync
package version

import "fmt"

var (
	// Version is the semantic version of the binary.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("marketsync %s (commit %s, built %s)", Version, Commit, BuildDate)
}
