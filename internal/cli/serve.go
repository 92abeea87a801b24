package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"pushrelay/internal/app"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the relay (HTTP API, streams, retry and cleanup jobs)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			grace, _ := cmd.Flags().GetDuration("grace")

			a, err := app.NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			_ = a.Stop(stopCtx, reason)
			return a.Err()
		},
	}
	cmd.Flags().Duration("grace", 15*time.Second, "shutdown deadline")
	return cmd
}
