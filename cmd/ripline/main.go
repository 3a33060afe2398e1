// Package main is the entry point for the ripline application.
package main

import (
	"os"

	"github.com/ripline/ripline/cmd/ripline/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
