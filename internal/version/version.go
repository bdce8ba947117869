// Package version holds the build-time version variables for the sfc binary.
// The zero values ("dev", "none", "unknown") are used for local builds.
// Release builds set them with -ldflags "-X ...version.Version=...".
package version

import "fmt"

// AppName is reported as the OpenTelemetry service name and in User-Agent
// headers.
const AppName = "sfc"

// Overridden with -ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns the formatted version string printed by sfc version.
func Info() string {
	return fmt.Sprintf(
		"%s version %s\ncommit: %s\nbuilt: %s\n",
		AppName,
		Version,
		Commit,
		Date,
	)
}

// UserAgent returns the User-Agent sent to Sandfly and PagerDuty.
func UserAgent() string {
	return AppName + "/" + Version
}
