// Package inventory is the "etcd-awx-sync" handler: it answers questions
// about the discovered fleet and builds AWX inventories from it.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/audit"
	"github.com/bdobrica/Kanri/internal/kanri/awx"
	"github.com/bdobrica/Kanri/internal/kanri/discovery"
	"github.com/bdobrica/Kanri/internal/kanri/vocabulary"
)

// Name is the handler name advertised to the intent parser.
const Name = "etcd-awx-sync"

const (
	// DefaultCacheTTL is how old the vocabulary may get before an action
	// refreshes it.
	DefaultCacheTTL = 5 * time.Minute
	// CentralInventory is the inventory a full sync writes to.
	CentralInventory = "central inventory"

	defaultDomainLimit = 30
	topRoles           = 5
	previewDomains     = 10
	suggestionLimit    = 5
)

// ErrAWXNotConfigured is reported by mutating actions when no AWX client was
// supplied.
var ErrAWXNotConfigured = errors.New("inventory: AWX is not configured")

// Config wires the handler.  Syncer may be nil, in which case only the
// read-only actions work.
type Config struct {
	Refresher *discovery.Refresher
	Syncer    *awx.Syncer
	CacheTTL  time.Duration
	// Notifier receives a sync.completed event after every successful sync.
	Notifier audit.Notifier
}

// Handler implements actions.Handler.
type Handler struct {
	refresher *discovery.Refresher
	syncer    *awx.Syncer
	ttl       time.Duration
	notifier  audit.Notifier
}

// New returns the handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Refresher == nil {
		return nil, errors.New("inventory: refresher is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Notifier == nil {
		cfg.Notifier = audit.Noop{}
	}
	return &Handler{refresher: cfg.Refresher, syncer: cfg.Syncer, ttl: cfg.CacheTTL, notifier: cfg.Notifier}, nil
}

// Name implements actions.Handler.
func (h *Handler) Name() string { return Name }

func str(name, desc string) actions.Parameter {
	return actions.Parameter{Name: name, Type: actions.TypeString, Description: desc}
}

// Descriptors implements actions.Handler.
func (h *Handler) Descriptors() []actions.Descriptor {
	role := str("role", "Filter by role (e.g. 'mphpp', 'mim', 'ts')")
	domain := str("domain", "Filter by domain/customer (e.g. 'pubwxp', 'lolxp')")
	invName := str("inventory_name", "Custom name for the inventory")
	all := actions.Parameter{Name: "all", Type: actions.TypeBoolean, Description: "Include every discovered host"}
	text := str("text", "Free text to resolve into a role and domain")
	limit := func(def string) actions.Parameter {
		return actions.Parameter{Name: "limit", Type: actions.TypeInteger, Description: "Maximum number of entries to show (default: " + def + ")"}
	}

	return []actions.Descriptor{
		{
			Name:                 "sync",
			Description:          "Run a full sync of all discovered hosts into an AWX inventory",
			Parameters:           []actions.Parameter{str("inventory_name", "Inventory name (default: 'central inventory')")},
			RequiresConfirmation: true,
			Examples:             []string{"sync all inventory", "run full sync", "sync etcd to awx"},
		},
		{
			Name:                 "create",
			Description:          "Create a filtered AWX inventory from a role and/or domain",
			Parameters:           []actions.Parameter{role, domain, invName, all, text},
			RequiresConfirmation: true,
			Examples:             []string{"create inventory for mphpp in pubwxp", "mim for lolxp domain", "create valxp inventory"},
		},
		{
			Name:                 "update",
			Description:          "Update an existing inventory with fresh discovery data",
			Parameters:           []actions.Parameter{role, domain, invName, all, text},
			RequiresConfirmation: true,
			Examples:             []string{"update inventory mim-nwxp", "update mphpp-pubwxp inventory"},
		},
		{
			Name:        "list-domains",
			Description: "List discovered domains by host count, optionally only those with a role",
			Parameters:  []actions.Parameter{role, limit("30")},
			Examples:    []string{"list domains", "which domains have mim servers"},
		},
		{
			Name:        "list-roles",
			Description: "List discovered roles by host count, optionally only those in a domain",
			Parameters:  []actions.Parameter{domain, limit("all")},
			Examples:    []string{"list roles", "what roles does pubwxp have"},
		},
		{
			Name:        "status",
			Description: "Show discovery and AWX endpoints with fleet statistics",
			Examples:    []string{"status", "show stats"},
		},
		{
			Name:        "count",
			Description: "Count hosts by role and/or domain",
			Parameters:  []actions.Parameter{role, domain},
			Examples:    []string{"how many mphpp does bnxp have", "count mim in caxp"},
		},
		{
			Name:        "count-domains",
			Description: "Count how many domains have a role",
			Parameters:  []actions.Parameter{{Name: "role", Type: actions.TypeString, Description: "Role to search for", Required: true}},
			Examples:    []string{"how many domains have ngx"},
		},
		{
			Name:        "refresh",
			Description: "Reload the role and domain vocabulary from discovery now",
			Examples:    []string{"refresh", "reload discovery"},
		},
	}
}

// Execute implements actions.Handler.
func (h *Handler) Execute(ctx context.Context, req actions.Request) (actions.Result, error) {
	slog.Debug("inventory: execute", "action", req.Action, "confirmed", req.Confirmed)

	if req.Action == "refresh" {
		return h.refresh(ctx)
	}

	snap, err := h.snapshot(ctx)
	if err != nil {
		return unavailable("discovery", err), nil
	}

	switch req.Action {
	case "sync":
		return h.sync(ctx, snap, req)
	case "create":
		return h.create(ctx, snap, req, false)
	case "update":
		return h.create(ctx, snap, req, true)
	case "list-domains":
		return h.listDomains(snap, req), nil
	case "list-roles":
		return h.listRoles(snap, req), nil
	case "status":
		return h.status(snap), nil
	case "count":
		return h.count(snap, req), nil
	case "count-domains":
		return h.countDomains(snap, req), nil
	}
	return actions.Result{}, fmt.Errorf("%w: %s", actions.ErrUnknownAction, req.Action)
}

// snapshot returns a vocabulary no older than the TTL.  A failed refresh is
// tolerated while a previous snapshot exists.
func (h *Handler) snapshot(ctx context.Context) (*vocabulary.Snapshot, error) {
	snap, err := h.refresher.Fresh(ctx, h.ttl)
	if err == nil {
		return snap, nil
	}
	if h.refresher.Index().Ready() {
		slog.Warn("inventory: serving stale vocabulary", "err", err, "built_at", snap.BuiltAt())
		return snap, nil
	}
	return nil, err
}

func unavailable(what string, err error) actions.Result {
	return actions.Errorf("⚠️ The %s backend is unavailable right now: %v\n\nTry again shortly.", what, err)
}
