// ABOUTME: tsyncctl info command
// ABOUTME: Prints the header and a short summary of a .tsync file
package cli

import (
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/Resonate-Protocol/streamsync/pkg/tsyncfile"
	"github.com/spf13/cobra"
)

// NewInfoCommand creates the info command
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "info <file>",
		Short:        "Show header and summary of a .tsync file",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := readFile(args[0])
			if err != nil {
				return err
			}
			writeInfo(cmd.OutOrStdout(), filepath.Base(args[0]), f)
			return nil
		},
	}
}

func writeInfo(w io.Writer, name string, f *tsyncfile.File) {
	h := f.Header
	field := func(label, format string, args ...any) {
		fmt.Fprintf(w, "%-13s%s\n", label+":", fmt.Sprintf(format, args...))
	}

	field("file", "%s", name)
	field("format", "%d.%d", h.VersionMajor, h.VersionMinor)
	field("created", "%s", h.CreationTime.UTC().Format(time.RFC3339Nano))
	field("module", "%s", h.ModuleName)
	field("collection", "%s", h.CollectionID)
	field("sync mode", "%s", h.SyncMode)
	field("block size", "%d", h.BlockSize)
	field("device", "%s (%s, %s)", h.Device.Name, h.Device.Unit, h.Device.Encoding)
	field("master", "%s (%s, %s)", h.Master.Name, h.Master.Unit, h.Master.Encoding)

	if len(h.Metadata) == 0 {
		field("metadata", "(none)")
	} else {
		fmt.Fprintln(w, "metadata:")
		for _, key := range slices.Sorted(maps.Keys(h.Metadata)) {
			fmt.Fprintf(w, "  %s: %v\n", key, h.Metadata[key])
		}
	}

	field("records", "%d", len(f.Records))
	field("blocks", "%d", f.Blocks)
	if f.Intact() {
		field("checksums", "ok")
	} else {
		field("checksums", "mismatch in blocks %v", f.CorruptBlocks)
	}
	if n := len(f.Records); n > 0 {
		field("first", "%d -> %d", f.Records[0].Device, f.Records[0].Master)
		field("last", "%d -> %d", f.Records[n-1].Device, f.Records[n-1].Master)
	}
}
