package version

// Build information, injected at link time:
//
//	go build -ldflags "-X agentworks/pkg/version.Version=v0.4.0 -X agentworks/pkg/version.GitCommit=$(git rev-parse --short HEAD)"
var (
	// Version is the semantic version of the build
	Version = "dev"
	// GitCommit is the short commit hash of the build
	GitCommit = "unknown"
)

// String returns "version (commit)" for logs and the connected frame.
func String() string {
	return Version + " (" + GitCommit + ")"
}
