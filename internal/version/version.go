package version

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time with -ldflags "-X github.com/MrSnakeDoc/autostartstop/internal/version.Version=...".
var (
	Version   = "dev"                           // ex: v0.1.0
	Commit    = "none"                          // ex: abcd123
	BuildDate = time.Now().Format(time.RFC3339) // ex: 2025-08-11T18:42:00Z
	GoVersion = runtime.Version()               // go version
)

// String returns a one-line build description.
func String() string {
	return fmt.Sprintf("autostartstop %s (commit=%s, built=%s, go=%s)", Version, Commit, BuildDate, GoVersion)
}
