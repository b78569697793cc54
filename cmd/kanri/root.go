package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kanri/common/environment"
	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/app"
)

// cliRequester is the requester and channel ID of one-shot commands.
const cliRequester = "cli"

// Exit codes of one-shot commands.
const (
	exitSuccess     = 0
	exitFailure     = 1
	exitUnconfirmed = 2
)

type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// options are the persistent flags shared by every subcommand.
type options struct {
	configFile string
	envFiles   []string
	logLevel   string
	logFormat  string
	json       bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "kanri",
		Short: "Resolve free text into infrastructure actions",
		Long: `Kanri turns requests like "create inventory for mim in lolxp" into
AWX inventory and playbook actions, using the role and domain vocabulary
discovered from etcd. Destructive actions ask for confirmation first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "YAML configuration file")
	flags.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before reading the environment")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")
	flags.BoolVar(&opts.json, "json", false, "print results as JSON")

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newInventoryCmd(opts),
		newConfirmCmd(opts),
		newCancelCmd(opts),
		newResolveCmd(opts),
		newMCPCmd(opts),
		newVersionCmd(),
	)
	return root
}

// newLogger builds the process logger.  Logs always go to w (stderr) so
// stdout stays free for results and the MCP protocol.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	hopts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}

// loadConfig reads the layered configuration: env files, then the
// environment, then the optional YAML file.
func loadConfig(opts *options) (*app.Config, error) {
	loader, err := environment.New(environment.Options{EnvFiles: opts.envFiles, ConfigFile: opts.configFile})
	if err != nil {
		return nil, err
	}
	return app.LoadConfig(loader), nil
}

func openApp(ctx context.Context, opts *options) (*app.App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

// printResult writes res to w and maps its status to the command's exit
// status.
func printResult(w io.Writer, res actions.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w, res.Message)
	}
	if code := exitCode(res); code != exitSuccess {
		return &exitError{code: code}
	}
	return nil
}

func exitCode(res actions.Result) int {
	switch res.Status {
	case actions.StatusSuccess:
		return exitSuccess
	case actions.StatusNeedsConfirmation:
		return exitUnconfirmed
	}
	return exitFailure
}

// tokenOf returns the confirmation token of a NEEDS_CONFIRMATION result.
func tokenOf(res actions.Result) string {
	if res.Status != actions.StatusNeedsConfirmation {
		return ""
	}
	token, _ := res.Data["token"].(string)
	return token
}
