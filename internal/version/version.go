// Package version reports the build of the geo binary. Both values are
// set at link time with -ldflags "-X".
package version

import "fmt"

var (
	version   string
	buildtime string
)

// GetVersion returns the semver compatible version number, or "unknown" for
// builds without link flags.
func GetVersion() string {
	if version == "" {
		return "unknown"
	}
	return version
}

// GetBuildTime returns the time at which the build took place.
func GetBuildTime() string { return buildtime }

// GetVersionString returns the version line printed by -version.
func GetVersionString() string {
	if buildtime == "" {
		return fmt.Sprintf("GitLab Geo, version %v", GetVersion())
	}
	return fmt.Sprintf("GitLab Geo, version %v (built %s)", GetVersion(), buildtime)
}
