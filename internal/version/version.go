// Package version carries the server release identity.
package version

// Version is the semantic version of the running server. Addon packages
// declare comparator ranges against it. Overridable at build time:
//
//	go build -ldflags "-X github.com/shotline/server/internal/version.Version=1.4.0"
var Version = "1.3.2"
