package version

// Build information, overridden at build time via -ldflags "-X".
var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns the short version string.
func Info() string {
	return Version
}

// FullInfo returns complete build information.
func FullInfo() string {
	return "version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt
}
