// Package main is the entry point for launchctl.
// launchctl is the operator tool for the podlauncher internal API.
package main

import (
	"os"

	"podlauncher/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
