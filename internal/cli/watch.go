// ABOUTME: tsyncctl watch command
// ABOUTME: Follows a monitor feed and prints sync notifications as they arrive
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Resonate-Protocol/streamsync/internal/discovery"
	"github.com/Resonate-Protocol/streamsync/internal/monitor"
	"github.com/spf13/cobra"
)

// WatchOptions holds watch flags
type WatchOptions struct {
	Timeout time.Duration
	Count   int
}

// NewWatchCommand creates the watch command
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{}

	cmd := &cobra.Command{
		Use:   "watch [url]",
		Short: "Follow a streamsync monitor feed",
		Long: `Connect to a monitor feed and print synchronizer notifications and stream
stats. Without a URL the first feed found via mDNS is used.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := ""
			if len(args) == 1 {
				url = args[0]
			} else {
				found, err := discoverFeed(cmd.Context(), opts.Timeout)
				if err != nil {
					return err
				}
				url = found
			}
			return watch(cmd.Context(), cmd.OutOrStdout(), url, opts.Count)
		},
	}

	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", 5*time.Second, "how long to browse for a feed")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "exit after this many messages (0 to follow)")

	return cmd
}

func discoverFeed(ctx context.Context, timeout time.Duration) (string, error) {
	mgr := discovery.NewManager(discovery.Config{})
	defer mgr.Stop()
	if err := mgr.Browse(); err != nil {
		return "", WrapExitError(ExitCommandError, "browse", err)
	}

	select {
	case info := <-mgr.Monitors():
		return info.URL(), nil
	case <-time.After(timeout):
		return "", NewExitError(ExitCommandError, "no monitor feed found")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func watch(ctx context.Context, out io.Writer, url string, count int) error {
	c, err := monitor.Dial(url)
	if err != nil {
		return WrapExitError(ExitCommandError, "connect "+url, err)
	}
	defer c.Close()

	hello := c.Hello()
	fmt.Fprintf(out, "hello    module=%s collection=%s %s %s\n",
		hello.Module, hello.CollectionID, hello.Product, hello.SoftwareVersion)

	for n := 0; count == 0 || n < count; n++ {
		select {
		case s := <-c.Snapshots:
			fmt.Fprintf(out, "snapshot details=%d offsets=%d stats=%d\n", len(s.Details), len(s.Offsets), len(s.Stats))
		case d := <-c.Details:
			fmt.Fprintf(out, "details  %s strategies=%s tolerance=%dus\n", d.Stream, d.Strategies, d.ToleranceMicros)
		case o := <-c.Offsets:
			fmt.Fprintf(out, "offset   %s deviation=%dus\n", o.Stream, o.DeviationMicros)
		case s := <-c.Stats:
			fmt.Fprintf(out, "stats    %s packets=%d calibrated=%v deviation=%v rejected=%d\n",
				s.Name, s.Packets, s.Calibrated, s.Deviation, s.Rejected)
		case e := <-c.Errors:
			fmt.Fprintf(out, "error    %s: %s\n", e.Error, e.Message)
		case <-c.Done():
			fmt.Fprintln(out, "feed closed")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
