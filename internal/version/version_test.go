package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stamp(t *testing.T, v, commit, date string) {
	t.Helper()
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = origVersion, origCommit, origDate })
	Version, Commit, Date = v, commit, date
}

func TestGet_Unstamped(t *testing.T) {
	b := Get()
	assert.Equal(t, "dev", b.Version)
	assert.Equal(t, "unknown", b.Commit)
	assert.Equal(t, "unknown", b.Date)
	assert.Equal(t, runtime.Version(), b.Go)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, b.Platform)
}

func TestGet_Stamped(t *testing.T) {
	stamp(t, "1.2.3", "abc1234567890", "2026-01-15")

	b := Get()
	assert.Equal(t, "1.2.3", b.Version)
	assert.Equal(t, "abc1234", b.Commit)
	assert.Equal(t, "voxgate 1.2.3 (commit: abc1234, built: 2026-01-15, "+runtime.Version()+", "+b.Platform+")", Info())
}

func TestShort(t *testing.T) {
	for in, want := range map[string]string{
		"abcdefghij": "abcdefg",
		"abc1234":    "abc1234",
		"abc":        "abc",
		"":           "",
	} {
		assert.Equal(t, want, short(in), in)
	}
}

func TestUserAgent(t *testing.T) {
	stamp(t, "0.4.0", "unknown", "unknown")
	assert.Equal(t, "voxgate/0.4.0 ("+runtime.GOOS+")", UserAgent())
}
