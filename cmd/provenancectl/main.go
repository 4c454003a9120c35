// Package main is the entry point for the provenancectl admin CLI.
package main

import (
	"os"

	"github.com/medflow/provenance-backend/cmd/provenancectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
