// Package cmd contains the docgraph command-line entry points. main.go stays
// a minimal shim; all initialization, flag handling, and command routing
// lives here so it is testable.
package cmd

import (
	"fmt"
	"os"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "development"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

// Execute routes the invocation. With no arguments docgraph runs the serve
// loop: watch the configured documentation roots and keep the index in sync.
func Execute() error {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			return runVersion()
		case "help", "--help", "-h":
			printHelp()
			return nil
		case "migrate":
			return runMigrate()
		case "serve":
			return runServe()
		default:
			printHelp()
			return fmt.Errorf("unknown command %q", os.Args[1])
		}
	}
	return runServe()
}

func printHelp() {
	fmt.Print(`docgraph - compounding documentation index

Usage:
  docgraph [command]

Commands:
  serve     Watch configured documentation roots and serve the index (default)
  migrate   Apply database migrations and exit
  version   Show version and configuration
  help      Show this help

Configuration is read from $DOCGRAPH_CONFIG_DIR/config.yaml (default
~/.docgraph/config.yaml); DOCGRAPH_* environment variables override file
values, and DATABASE_URL overrides the postgres_* settings.
`)
}
