package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/audit"
	"github.com/bdobrica/Kanri/internal/kanri/awx"
	"github.com/bdobrica/Kanri/internal/kanri/resolver"
	"github.com/bdobrica/Kanri/internal/kanri/vocabulary"
)

// target is a normalised create/update request.
type target struct {
	role, domain string
	all          bool
	name         string
}

func (t target) filter() string {
	var parts []string
	if t.role != "" {
		parts = append(parts, "Role: `"+t.role+"`")
	}
	if t.domain != "" {
		parts = append(parts, "Domain: `"+t.domain+"`")
	}
	if len(parts) == 0 {
		return "All hosts"
	}
	return strings.Join(parts, " | ")
}

func (t target) params() map[string]string {
	p := map[string]string{"inventory_name": t.name}
	if t.role != "" {
		p["role"] = t.role
	}
	if t.domain != "" {
		p["domain"] = t.domain
	}
	if t.all {
		p["all"] = "true"
	}
	return p
}

// DefaultInventoryName names an inventory after its filter.
func DefaultInventoryName(role, domain string) string {
	switch {
	case role != "" && domain != "":
		return role + "-" + domain
	case role != "":
		return role + "-all-domains"
	case domain != "":
		return domain + "-inventory"
	}
	return CentralInventory
}

func (h *Handler) inventoryLink(id int, name string) string {
	if h.syncer == nil || id == 0 {
		return "`" + name + "`"
	}
	return fmt.Sprintf("[%s](%s/#/inventories/inventory/%d/hosts)", name, h.syncer.Client().Server(), id)
}

func unknownTerm(kind, term string, candidates []string) actions.Result {
	sugg := vocabulary.Suggest(term, candidates, suggestionLimit)
	hint := "none found"
	if len(sugg) > 0 {
		quoted := make([]string, len(sugg))
		for i, s := range sugg {
			quoted[i] = "`" + s + "`"
		}
		hint = strings.Join(quoted, ", ")
	}
	r := actions.Errorf("⚠️ **Unknown %s:** `%s`\n\n**Did you mean:** %s\n\nUse `list %ss` to see all available %ss.",
		kind, term, hint, kind, kind)
	r.Data = map[string]any{"suggestions": sugg}
	return r
}

// resolveTarget validates and normalises the filter of create/update.
func (h *Handler) resolveTarget(snap *vocabulary.Snapshot, req actions.Request) (target, *actions.Result) {
	t := target{
		role:   strings.ToLower(strings.TrimSpace(req.Param("role", ""))),
		domain: strings.ToLower(strings.TrimSpace(req.Param("domain", ""))),
		name:   strings.TrimSpace(req.Param("inventory_name", "")),
	}
	t.all, _ = strconv.ParseBool(req.Param("all", "false"))

	if text := req.Param("text", ""); text != "" && t.role == "" && t.domain == "" {
		f := resolver.Resolve(text, snap)
		t.role, t.domain = f.Role, f.Domain
		t.all = t.all || f.WantsAll
	}
	if t.role != "" || t.domain != "" {
		t.all = false
	}

	if t.role == "" && t.domain == "" && !t.all {
		r := actions.Errorf("⚠️ **Which hosts?** No role or domain was recognised.\n\n" +
			"Name a role and/or domain (e.g. `create inventory for mim in lolxp`), " +
			"or ask for everything with `sync`.")
		return t, &r
	}
	if t.role != "" && !snap.ContainsRole(t.role) {
		r := unknownTerm("role", t.role, snap.RoleNames())
		return t, &r
	}
	if t.domain != "" && !snap.ContainsDomain(t.domain) {
		r := unknownTerm("domain", t.domain, snap.DomainNames())
		return t, &r
	}
	if t.name == "" {
		t.name = DefaultInventoryName(t.role, t.domain)
	}
	return t, nil
}

func (h *Handler) create(ctx context.Context, snap *vocabulary.Snapshot, req actions.Request, update bool) (actions.Result, error) {
	t, bad := h.resolveTarget(snap, req)
	if bad != nil {
		return *bad, nil
	}
	if h.syncer == nil {
		return actions.Result{}, ErrAWXNotConfigured
	}

	hosts := snap.Hosts(t.role, t.domain)
	if len(hosts) == 0 {
		hint := ""
		switch {
		case t.domain != "":
			hint = "Try `list roles in " + t.domain + "`."
		case t.role != "":
			hint = "Try `list domains for " + t.role + "`."
		}
		return actions.Errorf("⚠️ **No hosts found**\n\nFilters: %s\n\nBoth role and domain are valid, but no hosts match this combination.\n%s",
			t.filter(), hint), nil
	}

	if req.Confirmed {
		return h.runSync(ctx, hosts, t)
	}

	if !update {
		inv, err := h.syncer.Client().FindInventory(ctx, t.name)
		switch {
		case err == nil:
			return actions.Success(fmt.Sprintf("ℹ️ **Inventory already exists**\n\n**Inventory:** %s\n**Current hosts:** %d\n\nTo update: `update inventory %s`",
				h.inventoryLink(inv.ID, inv.Name), inv.TotalHosts, t.name),
				map[string]any{"inventory_id": inv.ID, "inventory_name": inv.Name, "exists": true}), nil
		case errors.Is(err, awx.ErrUnavailable):
			return unavailable("AWX", err), nil
		case !errors.Is(err, awx.ErrNotFound):
			return actions.Result{}, err
		}
	}

	verb := "Create"
	if update {
		verb = "Update"
	}
	prompt := fmt.Sprintf("📦 **%s inventory `%s`?**\n\n**Filters:** %s\n**Hosts:** %d", verb, t.name, t.filter(), len(hosts))
	res := actions.NeedsConfirmation(prompt, t.params())
	res.Data = map[string]any{"inventory_name": t.name, "host_count": len(hosts)}
	return res, nil
}

func (h *Handler) sync(ctx context.Context, snap *vocabulary.Snapshot, req actions.Request) (actions.Result, error) {
	if h.syncer == nil {
		return actions.Result{}, ErrAWXNotConfigured
	}
	t := target{all: true, name: req.Param("inventory_name", CentralInventory)}
	hosts := snap.Hosts("", "")
	if req.Confirmed {
		return h.runSync(ctx, hosts, t)
	}
	prompt := fmt.Sprintf("🔄 **Full sync into `%s`?**\n\n**Hosts:** %d across %d domains", t.name, len(hosts), len(snap.ListDomains()))
	res := actions.NeedsConfirmation(prompt, map[string]string{"inventory_name": t.name})
	res.Data = map[string]any{"inventory_name": t.name, "host_count": len(hosts)}
	return res, nil
}

func (h *Handler) runSync(ctx context.Context, hosts []vocabulary.Host, t target) (actions.Result, error) {
	res, err := h.syncer.Sync(ctx, hosts, t.name)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return actions.Errorf("⏱️ **Task timed out** while syncing `%s`.\n\nThe AWX server may be slow or unreachable.", t.name), nil
	case errors.Is(err, awx.ErrUnavailable):
		return unavailable("AWX", err), nil
	case err != nil:
		return actions.Errorf("❌ **Sync failed:** %v", err), nil
	}

	msg := fmt.Sprintf("✅ **Task Complete**\n\n**Inventory:** %s\n**Hosts:** %d\n**Groups:** %d\n**Filters:** %s\n**Duration:** %s",
		h.inventoryLink(res.InventoryID, res.InventoryName), res.HostCount, res.GroupCount, t.filter(), formatDuration(res.Duration))
	if res.SkippedNoAddr > 0 {
		msg += fmt.Sprintf("\n**Skipped:** %d hosts without an address", res.SkippedNoAddr)
	}
	h.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindSyncCompleted,
		Target:  res.InventoryName,
		Message: fmt.Sprintf("%d hosts, %d groups (%s)", res.HostCount, res.GroupCount, t.filter()),
	})
	return actions.Success(msg, map[string]any{
		"inventory_id":   res.InventoryID,
		"inventory_name": res.InventoryName,
		"host_count":     res.HostCount,
		"group_count":    res.GroupCount,
		"created":        res.Created,
	}), nil
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

func entryLines(entries []vocabulary.Entry, limit int) []string {
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("  `%s` - %d hosts", e.Name, e.Count)
	}
	return lines
}

func sumCounts(entries []vocabulary.Entry) int {
	n := 0
	for _, e := range entries {
		n += e.Count
	}
	return n
}

func (h *Handler) listDomains(snap *vocabulary.Snapshot, req actions.Request) actions.Result {
	role := strings.ToLower(req.Param("role", ""))
	limit := req.IntParam("limit", defaultDomainLimit)
	if role != "" && !snap.ContainsRole(role) {
		return unknownTerm("role", role, snap.RoleNames())
	}

	entries := snap.DomainsWith(role)
	header := "**Available Domains** (by host count)\n"
	if role != "" {
		header = fmt.Sprintf("**Domains with `%s` servers** (by host count)\n", role)
	}
	lines := append([]string{header}, entryLines(entries, limit)...)
	if limit > 0 && len(entries) > limit {
		lines = append(lines, fmt.Sprintf("\n_...and %d more domains_", len(entries)-limit))
	}
	if role != "" {
		lines = append(lines, fmt.Sprintf("\n**Total:** %d domains with `%s`, %d hosts", len(entries), role, sumCounts(entries)))
	} else {
		lines = append(lines, fmt.Sprintf("\n**Total:** %d domains, %d hosts", len(entries), snap.HostCount()))
	}
	return actions.Success(strings.Join(lines, "\n"), map[string]any{"domains": entries})
}

func (h *Handler) listRoles(snap *vocabulary.Snapshot, req actions.Request) actions.Result {
	domain := strings.ToLower(req.Param("domain", ""))
	limit := req.IntParam("limit", 0)
	if domain != "" && !snap.ContainsDomain(domain) {
		return unknownTerm("domain", domain, snap.DomainNames())
	}

	entries := snap.RolesIn(domain)
	header := "**Available Roles** (by host count)\n"
	if domain != "" {
		header = fmt.Sprintf("**Roles in `%s` domain** (by host count)\n", domain)
	}
	lines := append([]string{header}, entryLines(entries, limit)...)
	if domain != "" {
		lines = append(lines, fmt.Sprintf("\n**Total:** %d roles in `%s`, %d hosts", len(entries), domain, sumCounts(entries)))
	} else {
		lines = append(lines, fmt.Sprintf("\n**Total:** %d roles", len(entries)))
	}
	return actions.Success(strings.Join(lines, "\n"), map[string]any{"roles": entries})
}

func (h *Handler) status(snap *vocabulary.Snapshot) actions.Result {
	roles := snap.ListRoles()
	top := roles
	if len(top) > topRoles {
		top = top[:topRoles]
	}
	topStr := make([]string, len(top))
	for i, e := range top {
		topStr[i] = fmt.Sprintf("`%s` (%d)", e.Name, e.Count)
	}

	awxServer := "not configured"
	if h.syncer != nil {
		awxServer = h.syncer.Client().Server()
	}
	age := "never"
	if built := snap.BuiltAt(); !built.IsZero() {
		age = time.Since(built).Round(time.Second).String() + " ago"
	}

	msg := fmt.Sprintf("**%s Status**\n\n**Discovery:** `%s`\n**AWX Server:** `%s`\n**Vocabulary refreshed:** %s\n\n"+
		"**Statistics:**\n  Total Hosts: **%d**\n  Domains: **%d**\n  Roles: **%d**\n\n**Top Roles:** %s",
		Name, h.refresher.Endpoint(), awxServer, age,
		snap.HostCount(), len(snap.ListDomains()), len(roles), strings.Join(topStr, ", "))
	return actions.Success(msg, map[string]any{
		"hosts":   snap.HostCount(),
		"domains": len(snap.ListDomains()),
		"roles":   len(roles),
	})
}

func (h *Handler) count(snap *vocabulary.Snapshot, req actions.Request) actions.Result {
	role := strings.ToLower(req.Param("role", ""))
	domain := strings.ToLower(req.Param("domain", ""))
	n := snap.Count(role, domain)

	var msg string
	switch {
	case role != "" && domain != "":
		msg = fmt.Sprintf("**%d** `%s` hosts in `%s`", n, role, domain)
	case domain != "":
		msg = fmt.Sprintf("**%d** total hosts in `%s`", n, domain)
	case role != "":
		msg = fmt.Sprintf("**%d** `%s` hosts across all domains", n, role)
	default:
		msg = fmt.Sprintf("**%d** total hosts", n)
	}
	return actions.Success(msg, map[string]any{"count": n, "role": role, "domain": domain})
}

func (h *Handler) countDomains(snap *vocabulary.Snapshot, req actions.Request) actions.Result {
	role := strings.ToLower(req.Param("role", ""))
	if role == "" {
		return actions.Errorf("Role is required for counting domains")
	}
	entries := snap.DomainsWith(role)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	sortedNames := append([]string(nil), names...)
	sort.Strings(sortedNames)

	preview := "none"
	if len(sortedNames) > 0 {
		shown := sortedNames
		if len(shown) > previewDomains {
			shown = shown[:previewDomains]
		}
		quoted := make([]string, len(shown))
		for i, d := range shown {
			quoted[i] = "`" + d + "`"
		}
		preview = strings.Join(quoted, ", ")
		if len(sortedNames) > previewDomains {
			preview += fmt.Sprintf("... and %d more", len(sortedNames)-previewDomains)
		}
	}
	msg := fmt.Sprintf("**%d** domains have `%s` servers\n\nDomains: %s", len(entries), role, preview)
	return actions.Success(msg, map[string]any{"count": len(entries), "role": role, "domains": sortedNames})
}

func (h *Handler) refresh(ctx context.Context) (actions.Result, error) {
	snap, err := h.refresher.Refresh(ctx)
	if err != nil {
		r := unavailable("discovery", err)
		if h.refresher.Index().Ready() {
			r.Message += fmt.Sprintf("\nStill serving the previous vocabulary (%d hosts).", snap.HostCount())
		}
		return r, nil
	}
	return actions.Success(fmt.Sprintf("🔄 Vocabulary refreshed: **%d** hosts, **%d** roles, **%d** domains.",
		snap.HostCount(), len(snap.ListRoles()), len(snap.ListDomains())),
		map[string]any{"hosts": snap.HostCount(), "roles": len(snap.ListRoles()), "domains": len(snap.ListDomains())}), nil
}
