package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, GitCommit, info.GitCommit)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestInfoString(t *testing.T) {
	info := Info{
		Version:   "1.2.0",
		GitCommit: "abc123",
		BuildTime: "2026-01-01",
		GoVersion: "go1.23",
		Platform:  "linux/amd64",
	}
	assert.Equal(t, "stitch 1.2.0 (commit abc123, built 2026-01-01, go1.23 linux/amd64)", info.String())
}

func TestInfoFields(t *testing.T) {
	f := GetInfo().Fields()
	assert.Equal(t, Version, f["version"])
	assert.Len(t, f, 5)
}
