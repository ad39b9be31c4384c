package version

import "fmt"

// Overridden at build time with -ldflags "-X".
var (
	Version   = "0.1.0"
	GitCommit = ""
	BuildDate = ""
)

const (
	// AppName is the application name
	AppName = "voxlink"

	// AppDescription is the application description
	AppDescription = "Voice node coordination for sharded bots"
)

// GetVersionInfo returns formatted version information
func GetVersionInfo() map[string]string {
	return map[string]string{
		"name":        AppName,
		"version":     Version,
		"description": AppDescription,
		"build_date":  BuildDate,
		"git_commit":  GitCommit,
	}
}

// String is the one-line banner logged at startup.
func String() string {
	if GitCommit == "" {
		return fmt.Sprintf("%s %s", AppName, Version)
	}
	return fmt.Sprintf("%s %s (%s)", AppName, Version, GitCommit)
}
