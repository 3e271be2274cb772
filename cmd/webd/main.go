// webd serves virtual hosts from static files, CGI scripts and upstream
// HTTP servers.
package main

import (
	"os"

	"github.com/gaswelder/che-sub003/pkg/cli"
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cli.Version, cli.Commit, cli.BuildDate = Version, Commit, BuildDate
	os.Exit(cli.Main())
}
