// ABOUTME: Root cobra command of tsyncctl
// ABOUTME: Wires the file inspection and monitor feed subcommands
package cli

import (
	"io"
	"log"

	"github.com/Resonate-Protocol/streamsync/internal/version"
	"github.com/Resonate-Protocol/streamsync/pkg/tsyncfile"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	Verbose bool
}

// NewRootCommand creates the root command of tsyncctl
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "tsyncctl",
		Short:   "Inspect .tsync time synchronization logs",
		Long:    "Inspect, dump and verify the .tsync correspondence logs written by streamsync, and find running monitor feeds.",
		Version: version.Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// reader diagnostics only with -v
			if opts.Verbose {
				log.SetOutput(cmd.ErrOrStderr())
			} else {
				log.SetOutput(io.Discard)
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewInfoCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewMonitorsCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// readFile loads a file, mapping failures to ExitCommandError
func readFile(path string) (*tsyncfile.File, error) {
	f, err := tsyncfile.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "read "+path, err)
	}
	return f, nil
}
