package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	assert.Equal(t, "voxlink "+Version, String())

	prev := GitCommit
	GitCommit = "abc1234"
	defer func() { GitCommit = prev }()
	assert.Equal(t, "voxlink "+Version+" (abc1234)", String())
}

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	assert.Equal(t, AppName, info["name"])
	assert.Equal(t, Version, info["version"])
}
