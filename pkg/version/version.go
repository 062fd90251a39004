package version

import "fmt"

var (
	// Version is the current version of fluxgate, set at build time.
	Version = "dev"

	// GitCommit is the git commit SHA that was built.
	GitCommit = "unknown"
)

// Info represents version information.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
}

// Get returns the version information.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
	}
}

// UserAgent returns the value used for outbound HTTP and MCP client identity.
func UserAgent() string {
	return fmt.Sprintf("fluxgate/%s", Version)
}
