// Package buildinfo carries the version metadata stamped at build time.
package buildinfo

import "runtime/debug"

var version = "dev"

// Version returns the semantic version or commit hash associated with the
// build, preferring the ldflags-injected value over module metadata.
func Version() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
