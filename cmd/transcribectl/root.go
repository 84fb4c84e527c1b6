package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "transcribectl",
		Short:         "Operate the transcription service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.server, "server", envOr("TRANSCRIBER_URL", "http://localhost:8080"), "Base URL of the transcriber API")
	rootCmd.PersistentFlags().StringVar(&ctx.token, "token", os.Getenv("TRANSCRIBER_TOKEN"), "Bearer token for the API")
	rootCmd.PersistentFlags().DurationVar(&ctx.timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(newStartCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newResubmitCommand(ctx))
	rootCmd.AddCommand(newDeadLettersCommand(ctx))
	rootCmd.AddCommand(newDeleteCommand(ctx))

	return rootCmd
}

type commandContext struct {
	server  string
	token   string
	timeout time.Duration
}

func (c *commandContext) client() *apiClient {
	return newAPIClient(c.server, c.token, c.timeout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
