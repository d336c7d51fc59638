// Package main provides the entry point for the chunkpoint CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/randalmurphal/chunkpoint/internal/cli"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint"
)

// exitDrained tells a supervisor the run stopped for an interruption and
// should be resumed elsewhere (EX_TEMPFAIL).
const exitDrained = 75

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, chunkpoint.ErrDrained) {
			os.Exit(exitDrained)
		}
		os.Exit(1)
	}
}
