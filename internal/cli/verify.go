// ABOUTME: tsyncctl verify command
// ABOUTME: Checks header and block checksums of one or more .tsync files
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

// NewVerifyCommand creates the verify command
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>...",
		Short: "Verify the checksums of .tsync files",
		Long: `Verify the header checksum, block terminators and block checksums of
each file. Exits with 1 when a block checksum does not match and with 2 when
a file cannot be read at all.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var failed error
			for _, path := range args {
				name := filepath.Base(path)
				f, err := readFile(path)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", name, err.(*ExitError).Err)
					failed = err
					continue
				}
				if !f.Intact() {
					fmt.Fprintf(out, "%s: checksum mismatch in blocks %v (%d records in %d blocks)\n",
						name, f.CorruptBlocks, len(f.Records), f.Blocks)
					if failed == nil {
						failed = NewExitError(ExitFailure, name+": damaged blocks")
					}
					continue
				}
				fmt.Fprintf(out, "%s: ok, %d records in %d blocks\n", name, len(f.Records), f.Blocks)
			}
			return failed
		},
	}
}
