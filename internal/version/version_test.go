package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	defer func(v, b, c string) { Version, BuildTime, CommitID = v, b, c }(Version, BuildTime, CommitID)

	Version, BuildTime, CommitID = "v1.2.3", "2025-03-04T05:06:07Z", "abc123"
	info := Get()
	assert.Equal(t, "v1.2.3", info.Version)
	assert.Equal(t, "abc123", info.GitCommit)
	assert.Equal(t, "Tue Mar 4 05:06:07 2025", info.BuildTime)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, "gbox-streamer version v1.2.3, build abc123", info.Short())

	BuildTime = "yesterday"
	assert.Equal(t, "yesterday", Get().BuildTime)
}
