// scriptbridge CLI - serve scripted HTTP endpoints and fetch URLs through the
// reply tracker.
package main

import (
	"github.com/getmockd/scriptbridge/pkg/cli"
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cli.Version = Version
	cli.Commit = Commit
	cli.BuildDate = BuildDate
	cli.Execute()
}
