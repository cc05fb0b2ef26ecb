// Package main provides the entry point for the fsstream operator CLI.
package main

import (
	"os"

	"github.com/colebrumley/fsstream/cmd/fsstream/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
