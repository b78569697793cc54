package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/app"
)

func newAskCmd(opts *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "ask <text>",
		Short: "Resolve free text into an action and run it",
		Example: `  kanri ask "how many mim servers does lolxp have"
  kanri ask --yes "create inventory for mphpp in pubwxp"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return oneShot(cmd, opts, yes, func(ctx context.Context, a *app.App) actions.Result {
				return a.Dispatcher().HandleText(ctx, text, cliRequester, cliRequester)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve the confirmation prompt without asking")
	return cmd
}

// oneShot opens the app, refreshes the vocabulary, runs fn with the
// background workers started, and prints the result.  With yes set, a
// confirmation prompt is approved on the spot; without it the command
// exits with status 2 and prints the token.
func oneShot(cmd *cobra.Command, opts *options, yes bool, fn func(context.Context, *app.App) actions.Result) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Refresh(ctx); err != nil {
		slog.Warn("vocabulary refresh failed", "err", err)
	}

	bgCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Background(bgCtx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("background workers stopped with an error", "err", err)
		}
	}()

	res := fn(ctx, a)
	if token := tokenOf(res); yes && token != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), res.Prompt)
		res = a.Dispatcher().HandleCallback(ctx, token, cliRequester, true)
	}
	if res.Status == actions.StatusSuccess {
		if err := a.WaitIdle(ctx); err != nil {
			slog.Warn("stopped waiting for queued requests", "err", err)
		}
	}
	return printResult(cmd.OutOrStdout(), res, opts.json)
}
