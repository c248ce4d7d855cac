package main

import (
	"github.com/spf13/cobra"
)

const defaultServerURL = "http://127.0.0.1:8000"

type rootOptions struct {
	configPath string
	serverURL  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	serve := newServeCmd(opts)
	rootCmd := &cobra.Command{
		Use:   "plrelay",
		Short: "HTTP relay that runs yt-dlp playlist downloads and streams their progress",
		Long: "plrelay runs yt-dlp for a playlist URL, streams progress to the caller as " +
			"server-sent events and lets running downloads be listed and cancelled. " +
			"Without a subcommand it starts the server.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         serve.RunE,
	}
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&opts.serverURL, "server", defaultServerURL, "Base URL of a running plrelay server")

	rootCmd.AddCommand(
		serve,
		newSessionsCmd(opts),
		newCancelCmd(opts),
		newFetchCmd(opts),
		newWatchCmd(opts),
	)

	return rootCmd
}
