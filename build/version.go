package build

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const (
	// AppMajor defines the major version of this binary.
	AppMajor uint = 0

	// AppMinor defines the minor version of this binary.
	AppMinor uint = 1

	// AppPatch defines the application patch for this binary.
	AppPatch uint = 0

	// AppPreRelease MUST only contain characters from semanticAlphabet per
	// the semantic versioning spec.
	AppPreRelease = "beta"
)

// Commit stores the current commit of this build, which includes the most
// recent tag, the number of commits since that tag (if non-zero), the commit
// hash, and a dirty marker. This should be set using the -ldflags during
// compilation.
var Commit string

// Version returns the application version as a properly formed string.
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", AppMajor, AppMinor, AppPatch)
	if AppPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, AppPreRelease)
	}

	return version
}

// CommitHash returns the commit the binary was built from, falling back to
// the VCS information embedded by the go tool.
func CommitHash() string {
	if Commit != "" {
		return Commit
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return strings.TrimSpace(setting.Value)
		}
	}

	return ""
}
