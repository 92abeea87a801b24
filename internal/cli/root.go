// Package cli holds the pushrelay command tree.
package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const (
	envConfig = "PUSHRELAY_CONFIG"
	envServer = "PUSHRELAY_URL"
	envToken  = "PUSHRELAY_TOKEN"

	defaultConfig = "./config.yaml"
	defaultServer = "http://127.0.0.1:8080"
)

// NewRoot constructs the root command. Server-side commands read --config;
// client commands talk to --server with --token.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "pushrelay",
		Short:         "Notification relay with push delivery and live streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", envOr(envConfig, defaultConfig), "path to config (yaml or json)")
	root.PersistentFlags().String("server", envOr(envServer, defaultServer), "relay base URL for client commands")
	root.PersistentFlags().String("token", os.Getenv(envToken), "API token for client commands")

	root.AddCommand(
		newServeCommand(),
		newSendCommand(),
		newTailCommand(),
		newRetryCommand(),
		newCleanupCommand(),
		newKeysCommand(),
		newChannelsCommand(),
	)
	return root
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

func clientFrom(cmd *cobra.Command) *Client {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return NewClient(server, token)
}
