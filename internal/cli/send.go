package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pushrelay/internal/model"
)

func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [BODY]",
		Short: "Publish a notification through a running relay",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			title, _ := cmd.Flags().GetString("title")
			body, _ := cmd.Flags().GetString("body")
			category, _ := cmd.Flags().GetString("category")
			priority, _ := cmd.Flags().GetInt("priority")
			tags, _ := cmd.Flags().GetStringSlice("tag")
			meta, _ := cmd.Flags().GetStringToString("meta")
			click, _ := cmd.Flags().GetString("click")
			markdown, _ := cmd.Flags().GetBool("markdown")
			skipPush, _ := cmd.Flags().GetBool("skip-push")
			key, _ := cmd.Flags().GetString("key")
			asJSON, _ := cmd.Flags().GetBool("json")

			if len(args) == 1 {
				body = args[0]
			}
			if strings.TrimSpace(channel) == "" {
				return errors.New("--channel is required")
			}
			in := SendInput{
				Channel:  channel,
				Title:    title,
				Body:     body,
				Category: category,
				Priority: priority,
				Tags:     tags,
				ClickURL: click,
				Markdown: markdown,
				SkipPush: skipPush,
			}
			if len(meta) > 0 {
				in.Metadata = make(map[string]any, len(meta))
				for k, v := range meta {
					in.Metadata[k] = v
				}
			}

			res, err := clientFrom(cmd).Send(cmd.Context(), in, key)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			_, _ = fmt.Fprint(out, renderSent(res))
			return nil
		},
	}
	f := cmd.Flags()
	f.String("channel", "", "channel name")
	f.String("title", "", "title")
	f.String("body", "", "body (or pass as argument)")
	f.String("category", "", "free-form category")
	f.Int("priority", model.DefaultPriority, "priority 1 (low) to 5 (urgent)")
	f.StringSlice("tag", nil, "tag (repeatable)")
	f.StringToString("meta", nil, "metadata key=value (repeatable)")
	f.String("click", "", "URL opened when the push is tapped")
	f.Bool("markdown", false, "body is markdown")
	f.Bool("skip-push", false, "store only; never push")
	f.String("key", "", "idempotency key")
	f.Bool("json", false, "print the raw response")
	return cmd
}
