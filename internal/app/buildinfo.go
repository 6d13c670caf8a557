package app

import (
	"runtime/debug"
	"strings"
)

// Version is filled by ldflags in release builds.
var Version = ""

var readBuildInfo = debug.ReadBuildInfo

// BuildVersion prefers the ldflags version, then the main module version
// recorded by the toolchain, then "dev".
func BuildVersion() string {
	if version := strings.TrimSpace(Version); version != "" {
		return version
	}
	if info, ok := readBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
	}

	return "dev"
}

// UserAgent is sent to the homeserver with every request.
func UserAgent() string {
	return Name + "/" + BuildVersion()
}
