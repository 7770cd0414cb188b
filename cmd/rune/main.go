// Package main is the entry point for the rune CLI.
//
// Usage:
//
//	rune [flags] <command> [args]
//
// Commands:
//
//	chat      - Interactive console chat
//	serve     - WebSocket chat transport
//	tasks     - List open tasks for a user
//	version   - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/runehq/rune/cmd/rune/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
