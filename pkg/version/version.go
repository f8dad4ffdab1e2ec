// Package version exposes the SDK name and version reported to the dashboard
// during the INITIALIZE_HOST handshake.
//
// Priority: -ldflags override > VCS info from debug.BuildInfo > "dev" fallback.
package version

import "runtime/debug"

// SDKName identifies this SDK in the INITIALIZE_HOST handshake.
const SDKName = "dashlink-go"

// versionOverride is set via -ldflags at build time for release builds
// where .git is unavailable. Empty string means no override.
var versionOverride string

// SDKVersion is the version string sent to the dashboard. Falls back to "dev"
// when build info is unavailable (e.g., `go test`, non-git builds).
var SDKVersion = initVersion()

func initVersion() string {
	if versionOverride != "" {
		return versionOverride
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 8 {
				return s.Value[:8]
			}
			return s.Value
		}
	}
	return "dev"
}

// Full returns "dashlink-go/<version>" for user-agent strings and logging.
func Full() string {
	return SDKName + "/" + SDKVersion
}
