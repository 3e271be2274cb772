// Package cli provides the command-line interface for webd.
//
// Commands:
//   - serve: Serve the virtual hosts of a configuration file
//   - validate: Check a configuration file and show the hosts per port
//   - version: Show webd version
//
// Every command accepts --json for machine-readable output where it prints
// a result. Errors are returned to Execute, which prints them to stderr and
// turns them into exit status 1.
package cli
