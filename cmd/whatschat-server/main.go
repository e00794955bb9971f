package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"whatschat/internal/server"
)

func main() {
	var addr string
	var logLevel string

	root := &cobra.Command{
		Use:   "whatschat-server",
		Short: "Reference backend for the whatschat client",
		Long:  "A self-hostable stand-in for the managed realtime backend: feed, auth, and blob storage in one process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var lvl slog.Level
			switch logLevel {
			case "debug":
				lvl = slog.LevelDebug
			case "warn":
				lvl = slog.LevelWarn
			case "error":
				lvl = slog.LevelError
			default:
				lvl = slog.LevelInfo
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
			return server.New(logger).Run(addr)
		},
	}
	root.Flags().StringVarP(&addr, "addr", "a", ":8080", "listen address")
	root.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
