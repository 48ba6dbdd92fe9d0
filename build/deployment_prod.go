//go:build !dev

package build

// Deployment specifies a production build.
const Deployment = Production

// LogLevel is only consulted by development builds.
var LogLevel = "info"
