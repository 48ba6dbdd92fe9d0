package build

// DeploymentType selects how the loggers of a binary are built. It is fixed
// at compile time by the dev build tag.
type DeploymentType byte

const (
	// Development builds let unit tests log to stdout at LogLevel.
	Development DeploymentType = iota

	// Production builds always log through the daemon's sub-logger
	// manager.
	Production
)

// String returns the name reported in the startup banner.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}
