// Package cli provides the promptflow command-line interface. Every command
// talks to a PromptFlow server over its HTTP API.
package cli

import (
	"os"
	"time"

	"github.com/kiranshivaraju/promptflow/pkg/client"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

const (
	defaultServerURL = "http://localhost:8080"
	envServerURL     = "PROMPTFLOW_URL"
	envAPIKey        = "PROMPTFLOW_API_KEY"
)

// options holds the global flags shared by every command.
type options struct {
	serverURL    string
	apiKey       string
	jsonOutput   bool
	pollInterval time.Duration
	timeout      time.Duration
}

func (o *options) client() *client.Client {
	return client.New(o.serverURL, o.apiKey, client.WithPollInterval(o.pollInterval))
}

// NewRootCmd builds the promptflow command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "promptflow",
		Short: "Submit and manage PromptFlow jobs",
		Long: `promptflow submits prompt chain jobs to a PromptFlow server and tracks them.

The server address and API key are read from PROMPTFLOW_URL and
PROMPTFLOW_API_KEY unless given as flags.

Examples:
  promptflow submit -f job.yaml --wait
  promptflow status 3f0c...
  promptflow list -n 20`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.serverURL, "url", envOr(envServerURL, defaultServerURL), "server base URL")
	flags.StringVar(&opts.apiKey, "api-key", os.Getenv(envAPIKey), "API key")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print raw JSON")
	flags.DurationVar(&opts.pollInterval, "poll-interval", 2*time.Second, "status poll interval for --wait and wait")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Minute, "give up waiting after this long")

	rootCmd.AddCommand(newSubmitCmd(opts))
	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(newWaitCmd(opts))
	rootCmd.AddCommand(newCancelCmd(opts))
	rootCmd.AddCommand(newListCmd(opts))

	return rootCmd
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
