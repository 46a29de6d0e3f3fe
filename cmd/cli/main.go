// Package main is the entry point for the matrixctl CLI.
// matrixctl runs CI matrices locally and drives the matrixci control plane.
package main

import (
	"os"

	"matrixci/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
