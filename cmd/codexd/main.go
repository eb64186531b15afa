// Package main provides the entry point for the codexd CLI.
package main

import (
	"os"

	"github.com/randalmurphal/codexd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
