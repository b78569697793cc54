package main

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/app"
	"github.com/bdobrica/Kanri/internal/kanri/resolver"
)

type inventoryFlags struct {
	role   string
	domain string
	all    bool
	text   string
	name   string
	limit  int
	yes    bool
}

// filter resolves --text against the vocabulary and lets the explicit
// flags override what the text produced.
func (f *inventoryFlags) filter(vocab resolver.Vocabulary) resolver.Filter {
	var base resolver.Filter
	if f.text != "" {
		base = resolver.Resolve(f.text, vocab)
	}
	return mergeFilter(base, f.role, f.domain, f.all)
}

func (f *inventoryFlags) extra() map[string]string {
	extra := map[string]string{}
	if f.name != "" {
		extra["inventory_name"] = f.name
	}
	if f.limit > 0 {
		extra["limit"] = strconv.Itoa(f.limit)
	}
	return extra
}

func mergeFilter(base resolver.Filter, role, domain string, all bool) resolver.Filter {
	if all {
		return resolver.Filter{WantsAll: true}
	}
	if role != "" {
		base.Role = role
		base.WantsAll = false
	}
	if domain != "" {
		base.Domain = domain
		base.WantsAll = false
	}
	return base
}

func newInventoryCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "inventory",
		Aliases: []string{"inv"},
		Short:   "Run inventory actions with explicit filters",
	}

	subs := []struct {
		action string
		short  string
	}{
		{"create", "Create a filtered AWX inventory"},
		{"update", "Update an existing inventory with fresh discovery data"},
		{"sync", "Sync every discovered host into one AWX inventory"},
		{"count", "Count hosts by role and/or domain"},
		{"count-domains", "Count how many domains have a role"},
		{"list-roles", "List discovered roles by host count"},
		{"list-domains", "List discovered domains by host count"},
		{"status", "Show discovery and AWX endpoints with fleet statistics"},
		{"refresh", "Reload the role and domain vocabulary from discovery"},
	}
	for _, s := range subs {
		cmd.AddCommand(newInventoryActionCmd(opts, s.action, s.short))
	}
	return cmd
}

func newInventoryActionCmd(opts *options, action, short string) *cobra.Command {
	f := &inventoryFlags{}
	cmd := &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(cmd, opts, f.yes, func(ctx context.Context, a *app.App) actions.Result {
				return a.Dispatcher().HandleFilter(ctx, action, f.filter(a.Index()), f.extra(), cliRequester, cliRequester)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.role, "role", "", "role filter")
	flags.StringVar(&f.domain, "domain", "", "domain filter")
	flags.BoolVar(&f.all, "all", false, "include every discovered host")
	flags.StringVar(&f.text, "text", "", "free text resolved into a role and domain")
	flags.StringVar(&f.name, "name", "", "inventory name")
	flags.IntVar(&f.limit, "limit", 0, "maximum number of entries to show")
	flags.BoolVarP(&f.yes, "yes", "y", false, "approve the confirmation prompt without asking")
	return cmd
}
