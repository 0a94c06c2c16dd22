// ABOUTME: Entry point of tsyncctl
// ABOUTME: Inspects .tsync files written by streamsync
package main

import (
	"os"

	"github.com/Resonate-Protocol/streamsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
