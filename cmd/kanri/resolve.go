package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kanri/internal/kanri/resolver"
)

type resolution struct {
	Text        string          `json:"text"`
	Tokens      []string        `json:"tokens"`
	Filter      resolver.Filter `json:"filter"`
	Description string          `json:"description"`
}

func newResolveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "resolve <text>",
		Short:   "Show the role and domain filter a sentence resolves to",
		Example: `  kanri resolve "mim servers in lolxp"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Refresh(cmd.Context()); err != nil {
				return fmt.Errorf("refresh vocabulary: %w", err)
			}

			text := strings.Join(args, " ")
			f := resolver.Resolve(text, a.Index())
			out := resolution{Text: text, Tokens: resolver.Tokenize(text), Filter: f, Description: f.String()}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
