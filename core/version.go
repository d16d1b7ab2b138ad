package core

// Version is set at build time:
//
//	go build -ldflags "-X sdforge/core.Version=$(git describe --tags --always)" .
var Version = "dev"

// GitCommit is set at build time:
//
//	go build -ldflags "-X sdforge/core.GitCommit=$(git rev-parse --short HEAD)" .
var GitCommit = "unknown"

// GetVersionInfo returns e.g. "v0.3.0 (commit abc1234)".
func GetVersionInfo() string {
	return Version + " (commit " + GitCommit + ")"
}
