// Package version holds build information set through ldflags.
package version

import "fmt"

// Version is the release version of notify-relay.
var Version = "0.0.0"

// GitCommit is the git commit hash.
var GitCommit = "unknown"

// BuildDate is the build date.
var BuildDate = "unknown"

// String formats the build information for humans.
func String() string {
	return fmt.Sprintf("notify-relay %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
