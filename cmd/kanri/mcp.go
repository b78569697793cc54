package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kanri/common/version"
	"github.com/bdobrica/Kanri/internal/kanri/mcpserver"
)

func newMCPCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve every action as an MCP tool over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			done := make(chan error, 1)
			go func() { done <- a.Background(ctx) }()
			defer func() {
				cancel()
				if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
					slog.Warn("background workers stopped with an error", "err", err)
				}
			}()

			slog.Info("serving MCP over stdio", "tools", len(a.Registry().Advertisement()))
			return mcpserver.New(a.Registry(), a.Dispatcher(), version.Version).ServeStdio()
		},
	}
}
