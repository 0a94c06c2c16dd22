// ABOUTME: tsyncctl monitors command
// ABOUTME: Browses mDNS for running streamsync monitor feeds
package cli

import (
	"fmt"
	"time"

	"github.com/Resonate-Protocol/streamsync/internal/discovery"
	"github.com/spf13/cobra"
)

// NewMonitorsCommand creates the monitors command
func NewMonitorsCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:          "monitors",
		Short:        "List streamsync monitor feeds on the local network",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := discovery.NewManager(discovery.Config{})
			defer mgr.Stop()
			if err := mgr.Browse(); err != nil {
				return WrapExitError(ExitCommandError, "browse", err)
			}

			out := cmd.OutOrStdout()
			seen := make(map[string]bool)
			timer := time.NewTimer(timeout)
			defer timer.Stop()

			for {
				select {
				case info := <-mgr.Monitors():
					url := info.URL()
					if seen[url] {
						continue
					}
					seen[url] = true
					fmt.Fprintf(out, "%s\t%s\tmodule=%s collection=%s\n", info.Name, url, info.Module, info.CollectionID)
				case <-timer.C:
					if len(seen) == 0 {
						fmt.Fprintln(out, "no monitors found")
					}
					return nil
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				}
			}
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "how long to browse")

	return cmd
}
