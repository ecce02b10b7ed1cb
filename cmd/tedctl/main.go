// Package main is the entry point for the tedctl CLI.
//
// Usage:
//
//	tedctl [flags] <command> [args]
//
// Commands:
//
//	train    - Train an intent prediction model from recorded trackers
//	predict  - Predict the next user intent for trackers
//	inspect  - Show the artifacts of a persisted model
//	push     - Pack a model directory and upload it as a bundle
//	pull     - Download a model bundle and unpack it
package main

import (
	"fmt"
	"os"

	"github.com/dialogkit/ted/cmd/tedctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
