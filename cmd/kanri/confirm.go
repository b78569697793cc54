package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/app"
)

// newAnswerCmd answers a confirmation token printed by an earlier ask or
// inventory command.  Pending confirmations live in the database, so the
// answer may come from another process.
func newAnswerCmd(opts *options, use, short string, approved bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <token>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := args[0]
			return oneShot(cmd, opts, false, func(ctx context.Context, a *app.App) actions.Result {
				return a.Dispatcher().HandleCallback(ctx, token, cliRequester, approved)
			})
		},
	}
}

func newConfirmCmd(opts *options) *cobra.Command {
	return newAnswerCmd(opts, "confirm", "Approve a pending confirmation and run its action", true)
}

func newCancelCmd(opts *options) *cobra.Command {
	return newAnswerCmd(opts, "cancel", "Cancel a pending confirmation", false)
}
