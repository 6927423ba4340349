package main

import (
	"errors"
	"fmt"
	"os"

	"wcengine/internal/cli/commands"
	"wcengine/internal/common"
)

// Set by goreleaser ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitBusy is EX_TEMPFAIL: another process holds the working copy.
const exitBusy = 75

func main() {
	commands.SetVersion(version, commit, date)
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, common.ErrBusy) {
			os.Exit(exitBusy)
		}
		os.Exit(1)
	}
}
