// Package version holds the deployctl build version.
package version

// Version is the current release. Overridden at build time via
// -ldflags "-X github.com/findertool/deployctl/pkg/version.Version=...".
var Version = "0.3.0"
