// ABOUTME: tsyncctl dump command
// ABOUTME: Writes the (device, master) records of a .tsync file as text or CSV
package cli

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/Resonate-Protocol/streamsync/pkg/tsyncfile"
	"github.com/spf13/cobra"
)

// DumpFormats defines the allowed output formats
var DumpFormats = []string{"text", "csv"}

// DumpOptions holds dump flags
type DumpOptions struct {
	Format string
	Limit  int
}

// NewDumpCommand creates the dump command
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{}

	cmd := &cobra.Command{
		Use:          "dump <file>",
		Short:        "Print the records of a .tsync file",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, DumpFormats))
			}
			f, err := readFile(args[0])
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), f, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Format, "format", "text", "output format (text|csv)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "print at most this many records (0 for all)")

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range DumpFormats {
		if f == format {
			return true
		}
	}
	return false
}

func writeRecords(w io.Writer, f *tsyncfile.File, opts *DumpOptions) error {
	records := f.Records
	if opts.Limit > 0 && opts.Limit < len(records) {
		records = records[:opts.Limit]
	}

	if opts.Format == "csv" {
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{f.Header.Device.Name, f.Header.Master.Name}); err != nil {
			return err
		}
		for _, r := range records {
			row := []string{strconv.FormatInt(r.Device, 10), strconv.FormatInt(r.Master, 10)}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	}

	if _, err := fmt.Fprintf(w, "# %s\t%s\n", f.Header.Device.Name, f.Header.Master.Name); err != nil {
		return err
	}
	for _, r := range records {
		if _, err := fmt.Fprintf(w, "%d\t%d\n", r.Device, r.Master); err != nil {
			return err
		}
	}
	return nil
}
