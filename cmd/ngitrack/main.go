package main

import (
	"os"

	"github.com/3leaps/ngitrack/internal/cmd"
)

// Set by ldflags:
//
//	-X main.version=... -X main.commit=... -X main.buildDate=...
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute())
}
