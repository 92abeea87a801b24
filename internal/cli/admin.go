package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pushrelay/internal/app"
	"pushrelay/internal/collab/auth"
	"pushrelay/internal/ingest"
	"pushrelay/internal/model"
)

// The commands below open the configured store directly and never start
// the HTTP server. They are safe to run next to a live relay.

func openApp(cmd *cobra.Command) (*app.App, error) {
	return app.NewApp(configPath(cmd))
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Run one retry sweep over failed deliveries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.Retry().RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired idempotency records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.Store().DeleteExpiredIdempotency(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted: %d\n", n)
			return nil
		},
	}
}

func newKeysCommand() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(newKeysCreateCommand(), newKeysRevokeCommand())
	return keys
}

var knownPerms = []string{model.PermPublish, model.PermRead, model.PermAdmin}

func newKeysCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print its token once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			perms, _ := cmd.Flags().GetStringSlice("perm")
			rate, _ := cmd.Flags().GetInt("rate")
			ttl, _ := cmd.Flags().GetDuration("expires")

			name = strings.TrimSpace(name)
			if name == "" {
				return errors.New("--name is required")
			}
			if rate < 0 {
				return errors.New("--rate must be >= 0")
			}
			for i, p := range perms {
				perms[i] = strings.ToLower(strings.TrimSpace(p))
				if !slices.Contains(knownPerms, perms[i]) {
					return fmt.Errorf("unknown permission %q (want %s)", p, strings.Join(knownPerms, ", "))
				}
			}

			token, err := auth.GenerateToken()
			if err != nil {
				return err
			}
			now := time.Now()
			k := model.APIKey{
				ID:          ingest.NewID(),
				Name:        name,
				TokenHash:   auth.HashToken(token),
				Permissions: perms,
				RateLimit:   rate,
				CreatedAt:   now,
			}
			if ttl > 0 {
				exp := now.Add(ttl)
				k.ExpiresAt = &exp
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Store().CreateAPIKey(cmd.Context(), k); err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), renderKey(k, token))
			return nil
		},
	}
	cmd.Flags().String("name", "", "key name (unique)")
	cmd.Flags().StringSlice("perm", []string{model.PermPublish}, "permissions: publish, read, admin")
	cmd.Flags().Int("rate", 0, "requests per minute (0 uses the configured default)")
	cmd.Flags().Duration("expires", 0, "lifetime, e.g. 720h (0 = never)")
	return cmd
}

func newKeysRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke NAME",
		Short: "Revoke an API key by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Store().RevokeAPIKey(cmd.Context(), strings.TrimSpace(args[0]), time.Now()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "revoked:", args[0])
			return nil
		},
	}
}

func newChannelsCommand() *cobra.Command {
	ch := &cobra.Command{Use: "channels", Short: "Manage channels"}

	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, _ := cmd.Flags().GetString("topic")
			c, err := ingest.NewChannel(args[0], topic, time.Now())
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Store().CreateChannel(cmd.Context(), c); err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), renderChannels([]model.Channel{c}))
			return nil
		},
	}
	create.Flags().String("topic", "", "push topic (defaults to dispatch.default_topic)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			chs, err := a.Store().ListChannels(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), renderChannels(chs))
			return nil
		},
	}

	ch.AddCommand(create, list)
	return ch
}
