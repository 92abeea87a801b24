package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pushrelay/internal/model"
	"pushrelay/internal/stream"
)

func newTailCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the live notification stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			minPriority, _ := cmd.Flags().GetInt("min-priority")
			from, _ := cmd.Flags().GetString("from")
			asJSON, _ := cmd.Flags().GetBool("json")

			out := cmd.OutOrStdout()
			errOut := cmd.ErrOrStderr()
			enc := json.NewEncoder(out)

			handle := func(ev SSEEvent) error {
				switch ev.Event {
				case stream.EventNotification:
					var n model.Notification
					if err := json.Unmarshal([]byte(ev.Data), &n); err != nil {
						_, _ = fmt.Fprintln(errOut, "bad notification:", err)
						return nil
					}
					if asJSON {
						return enc.Encode(n)
					}
					_, _ = fmt.Fprint(out, renderNotification(n))
				case stream.EventConnected:
					if !asJSON {
						_, _ = fmt.Fprintln(errOut, dimStyle.Render("connected"))
					}
				case stream.EventClose:
					if !asJSON {
						_, _ = fmt.Fprintln(errOut, dimStyle.Render("stream closed: "+ev.Data))
					}
				}
				return nil
			}
			onRetry := func(err error, wait time.Duration) {
				_, _ = fmt.Fprintln(errOut, warnStyle.Render(fmt.Sprintf("disconnected: %v; retrying in %s", err, wait)))
			}

			return clientFrom(cmd).Follow(cmd.Context(), TailOptions{
				Channel:     channel,
				MinPriority: minPriority,
				LastID:      from,
			}, handle, onRetry)
		},
	}
	cmd.Flags().String("channel", "", "only this channel")
	cmd.Flags().Int("min-priority", 0, "only notifications at or above this priority")
	cmd.Flags().String("from", "", "resume after this event id ({ms}_{id})")
	cmd.Flags().Bool("json", false, "print one JSON object per notification")
	return cmd
}
