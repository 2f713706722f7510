package version

import (
	"fmt"
	"runtime"
	"time"
)

// These variables will be set at build time via -ldflags
var (
	// Version represents the application version (from git tags)
	Version = "dev"
	// BuildTime is the time when the binary was built
	BuildTime = "unknown"
	// CommitID is the git commit hash
	CommitID = "unknown"
)

// Info is the build metadata of the running binary.
type Info struct {
	Version   string
	GitCommit string
	BuildTime string
	GoVersion string
	OS        string
	Arch      string
}

// Get returns the build metadata.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: CommitID,
		BuildTime: formatBuildTime(),
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Short is the one line form printed by --version.
func (i Info) Short() string {
	return fmt.Sprintf("gbox-streamer version %s, build %s", i.Version, i.GitCommit)
}

// formatBuildTime returns a nicely formatted build time
func formatBuildTime() string {
	if BuildTime == "unknown" {
		return BuildTime
	}

	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return BuildTime
	}

	return t.Format("Mon Jan 2 15:04:05 2006")
}
