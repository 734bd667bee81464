// Package version reports how the running binary was built.
package version

import (
	"fmt"
	"runtime"
)

// Stamped by the release build with -ldflags "-X <pkg>.Version=… -X <pkg>.Commit=…
// -X <pkg>.Date=…", where <pkg> is github.com/soyeahso/voxgate/internal/version.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Build describes the running binary.
type Build struct {
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	Date     string `json:"date"`
	Go       string `json:"go"`
	Platform string `json:"platform"`
}

// Get returns the build description with the commit shortened.
func Get() Build {
	return Build{
		Version:  Version,
		Commit:   short(Commit),
		Date:     Date,
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (b Build) String() string {
	return fmt.Sprintf("voxgate %s (commit: %s, built: %s, %s, %s)", b.Version, b.Commit, b.Date, b.Go, b.Platform)
}

// Info is Get formatted for humans.
func Info() string {
	return Get().String()
}

// UserAgent identifies the gateway to the room and telephony providers.
func UserAgent() string {
	return "voxgate/" + Version + " (" + runtime.GOOS + ")"
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
