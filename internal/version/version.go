package version

// Build information, overridden at build time via -ldflags "-X".
var (
	// Version is the semantic version of the credit gateway.
	Version = "v0.1.0"

	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns the version string reported by /health.
func Info() string {
	return Version
}

// FullInfo returns complete build information for startup logs.
func FullInfo() string {
	return "version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt
}
