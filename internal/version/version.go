// Package version carries the build version, overridable via -ldflags.
package version

// Version is the semantic version of this build.
var Version = "0.1.0-dev"
