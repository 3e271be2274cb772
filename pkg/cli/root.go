package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Persistent flags available to all subcommands
	jsonOutput bool

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "webd",
	Short: "webd serves virtual hosts from static files, CGI scripts and upstream servers",
	Long: `webd is a single-threaded, readiness-driven HTTP/1.x server.

Each configured host is reached by its name on one of the configured ports
and serves static files from its document root, runs CGI scripts from its
CGI directory and forwards URL prefixes to upstream HTTP servers.

Hosts, ports and limits are read from a YAML or JSON configuration file.`,
	SilenceUsage:  true,
	SilenceErrors: true, // We handle errors in Execute()
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// Main is the webd entry point.
func Main() int {
	return Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
}
