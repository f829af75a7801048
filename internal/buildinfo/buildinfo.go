// Package buildinfo carries version metadata stamped at link time:
//
//	go build -ldflags "-X github.com/nugget/bernard/internal/buildinfo.Version=v1.2.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// StartTime returns when the process started.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// Info is the build and runtime snapshot served on /v1/version.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Uptime    string `json:"uptime"`
}

// Current returns the running binary's Info.
func Current() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

// String returns a one-line summary for the startup log.
func String() string {
	return fmt.Sprintf("Bernard %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return "bernard/" + Version
}
