package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/audit"
	"github.com/bdobrica/Kanri/internal/kanri/awx"
	"github.com/bdobrica/Kanri/internal/kanri/config"
	"github.com/bdobrica/Kanri/internal/kanri/queue"
	"github.com/bdobrica/Kanri/internal/kanri/vocabulary"
)

func sortStrings(s []string) { sort.Strings(s) }

func statusEmoji(status string) string {
	switch status {
	case "successful":
		return "✅"
	case "failed", "error":
		return "❌"
	case "running":
		return "🔄"
	case "pending", "waiting":
		return "⏳"
	case "canceled":
		return "🚫"
	}
	return "❓"
}

func (h *Handler) projectName(repo string) string {
	return h.prefix + "-" + strings.ReplaceAll(repo, "/", "-")
}

// ensureProject makes the AWX project for loc exist and point at the right
// branch, with a source control credential when a token is configured.
func (h *Handler) ensureProject(ctx context.Context, loc Location) (awx.Project, error) {
	cat, err := h.catalogue(loc.Provider)
	if err != nil {
		return awx.Project{}, err
	}
	org, err := h.client.FirstOrganization(ctx)
	if err != nil {
		return awx.Project{}, err
	}
	cred := 0
	if token := h.tokens[loc.Provider]; token != "" {
		cred, err = h.client.EnsureSCMCredential(ctx, h.prefix+"-"+loc.Provider+"-scm", org.ID, token)
		if err != nil {
			return awx.Project{}, fmt.Errorf("scm credential: %w", err)
		}
	}
	return h.client.EnsureProject(ctx, awx.ProjectSpec{
		Name:         h.projectName(loc.Repo),
		Organization: org.ID,
		SCMURL:       cat.CloneURL(loc.Repo),
		Branch:       loc.Branch,
		Credential:   cred,
	})
}

func (h *Handler) listPlaybooks(ctx context.Context) actions.Result {
	loc := h.location(ctx)
	pbs, err := h.playbooks(ctx, loc)
	if err != nil {
		return failure("listing playbooks", err)
	}
	if len(pbs) == 0 {
		return actions.Errorf("⚠️ **No playbooks found**\n\nRepository: `%s`\nPath: `%s`\nBranch: `%s`", loc.Repo, loc.Path, loc.Branch)
	}

	projectStatus := "⚠️ Could not create (check AWX credentials)"
	projectID := 0
	if proj, err := h.ensureProject(ctx, loc); err != nil {
		slog.Warn("playbook: ensure project failed", "repo", loc.Repo, "err", err)
	} else if err := h.client.UpdateProject(ctx, proj.ID); err != nil {
		slog.Warn("playbook: project update failed", "project", proj.ID, "err", err)
		projectStatus = fmt.Sprintf("Created (ID: %d), sync failed", proj.ID)
		projectID = proj.ID
	} else {
		projectStatus = fmt.Sprintf("Synced (ID: %d)", proj.ID)
		projectID = proj.ID
	}

	names := make([]string, len(pbs))
	lines := []string{"📚 **Available Playbooks**\n"}
	for i, pb := range pbs {
		names[i] = pb.DisplayName()
		lines = append(lines, "  • `"+pb.DisplayName()+"`")
	}
	lines = append(lines,
		fmt.Sprintf("\n**Total:** %d playbooks", len(pbs)),
		fmt.Sprintf("**Source:** `%s/%s` (%s)", loc.Repo, loc.Path, loc.Branch),
		"**AWX Project:** "+projectStatus,
		"\nTo run: `run playbook <name> on <inventory>`")
	return actions.Success(strings.Join(lines, "\n"), map[string]any{"playbooks": names, "project_id": projectID})
}

func normalisePlaybook(name string) string {
	name = strings.TrimSpace(name)
	if !isPlaybook(name) {
		name += ".yml"
	}
	return name
}

func (h *Handler) runPlaybook(ctx context.Context, req actions.Request) actions.Result {
	name := normalisePlaybook(req.Param("playbook", ""))
	inventory := strings.TrimSpace(req.Param("inventory", ""))
	extraVars := strings.TrimSpace(req.Param("extra_vars", ""))
	if name == ".yml" || inventory == "" {
		return actions.Errorf("⚠️ **Playbook and inventory required**\n\nUsage: `run playbook <name> on <inventory>`")
	}
	prio, err := queue.ParsePriority(req.Param("priority", ""))
	if err != nil {
		return actions.Errorf("⚠️ %v", err)
	}
	if extraVars != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(extraVars), &obj); err != nil {
			return actions.Errorf("⚠️ **Invalid extra_vars:** must be a JSON object (%v)", err)
		}
	}

	if req.Confirmed {
		return h.submit(req, name, inventory, extraVars, prio)
	}

	pbs, err := h.playbooks(ctx, h.location(ctx))
	if err != nil {
		return failure("listing playbooks", err)
	}
	known := make([]string, len(pbs))
	found := false
	for i, pb := range pbs {
		known[i] = pb.Name
		found = found || pb.Name == name
	}
	if !found {
		sugg := vocabulary.Suggest(name, known, suggestionLimit)
		for i := range sugg {
			sugg[i] = "`" + trimExt(sugg[i]) + "`"
		}
		return actions.Errorf("⚠️ **Unknown playbook:** `%s`\n\n**Available playbooks:** %s\n\nUse `list playbooks` to see all.",
			trimExt(name), strings.Join(sugg, ", "))
	}

	inv, err := h.client.FindInventory(ctx, inventory)
	switch {
	case errors.Is(err, awx.ErrNotFound):
		return actions.Errorf("⚠️ **Unknown inventory:** `%s`\n\nCreate it first, e.g. `create inventory for <role> in <domain>`.", inventory)
	case err != nil:
		return failure("looking up inventory", err)
	}

	vars := extraVars
	if vars == "" {
		vars = "none"
	}
	prompt := fmt.Sprintf("🚀 **Confirm Playbook Execution**\n\n**Playbook:** `%s`\n**Inventory:** `%s` (%d hosts)\n**Extra vars:** `%s`\n**Priority:** %s\n\n⚠️ This will execute the playbook on **%d** hosts.",
		name, inv.Name, inv.TotalHosts, vars, prio, inv.TotalHosts)
	params := map[string]string{
		"playbook":     name,
		"inventory":    inv.Name,
		"inventory_id": strconv.Itoa(inv.ID),
		"priority":     strings.ToLower(prio.String()),
	}
	if extraVars != "" {
		params["extra_vars"] = extraVars
	}
	res := actions.NeedsConfirmation(prompt, params)
	res.Data = map[string]any{"playbook": name, "inventory": inv.Name, "host_count": inv.TotalHosts}
	return res
}

func (h *Handler) submit(req actions.Request, name, inventory, extraVars string, prio queue.Priority) actions.Result {
	sub, err := h.queue.Submit(queue.Request{
		UserID:    req.RequesterID,
		ChannelID: req.ChannelID,
		Playbook:  name,
		Inventory: inventory,
		ExtraVars: extraVars,
		Priority:  prio,
	})
	var dup *queue.DuplicateError
	switch {
	case errors.As(err, &dup) && dup.Running:
		job := "starting..."
		if dup.Existing.JobID != 0 {
			job = strconv.Itoa(dup.Existing.JobID)
		}
		return actions.Errorf("🔁 **Duplicate Request**\n\nThe same playbook is already running:\n• Playbook: `%s`\n• Inventory: `%s`\n• Started by: %s\n• Job ID: `%s`\n\nWait for it to complete or check `queue status`.",
			name, inventory, dup.Existing.UserID, job)
	case errors.As(err, &dup):
		return actions.Errorf("🔁 **Already Queued**\n\nThis playbook is already in the queue:\n• Request ID: `%s`\n• Submitted by: %s\n• Position: %d\n\nUse `queue status` to check progress.",
			dup.Existing.ID, dup.Existing.UserID, dup.Position)
	case err != nil:
		return failure("queueing playbook", err)
	}

	r := sub.Request
	data := map[string]any{"request_id": r.ID, "position": sub.Position, "playbook": name, "inventory": inventory}
	if sub.Immediate() {
		return actions.Success(fmt.Sprintf("🚀 **Request Submitted**\n\n• Request ID: `%s`\n• Playbook: `%s`\n• Inventory: `%s`\n• Priority: `%s`\n\n⏳ Starting immediately...",
			r.ID, name, inventory, r.Priority), data)
	}
	return actions.Success(fmt.Sprintf("📋 **Request Queued**\n\n• Request ID: `%s`\n• Playbook: `%s`\n• Inventory: `%s`\n• Priority: `%s`\n• Position in queue: `%d`\n• Currently running: `%d/%d`\n\nYou'll be notified when it starts. Use `queue status` to check.",
		r.ID, name, inventory, r.Priority, sub.Position, sub.Running, sub.Max), data)
}

// launch is the queue executor: it makes sure the project and job template
// exist, then launches the job.
func (h *Handler) launch(ctx context.Context, r queue.Request) (queue.Outcome, error) {
	loc := h.location(ctx)
	proj, err := h.ensureProject(ctx, loc)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("ensure project: %w", err)
	}
	inv, err := h.client.FindInventory(ctx, r.Inventory)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("inventory %s: %w", r.Inventory, err)
	}
	jt, err := h.client.EnsureJobTemplate(ctx, awx.TemplateSpec{
		Name:      h.prefix + "-" + trimExt(r.Playbook),
		Project:   proj.ID,
		Playbook:  path.Join(loc.Path, r.Playbook),
		Inventory: inv.ID,
	})
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("ensure job template: %w", err)
	}
	job, err := h.client.LaunchJobTemplate(ctx, jt.ID, r.ExtraVars)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("launch: %w", err)
	}

	slog.Info("playbook: job launched", "request", r.ID, "job_id", job.ID, "playbook", r.Playbook, "inventory", r.Inventory, "user", r.UserID)
	h.audit.Notify(ctx, audit.Event{
		Kind:    audit.KindPlaybookLaunched,
		Actor:   r.UserID,
		Target:  r.Inventory,
		Message: fmt.Sprintf("%s as job %d (request %s)", r.Playbook, job.ID, r.ID),
	})
	msg := fmt.Sprintf("✅ **Job Launched**\n\n**Job ID:** `%d`\n**Playbook:** `%s`\n**Inventory:** `%s`\n**Status:** `%s`\n\n**View in AWX:** %s\n\nTo check status: `job status %d`\nTo view output: `job output %d`",
		job.ID, r.Playbook, r.Inventory, job.Status, h.client.JobURL(job.ID), job.ID, job.ID)
	return queue.Outcome{Message: msg, JobID: job.ID}, nil
}

func jobIDParam(req actions.Request) (int, bool) {
	id := req.IntParam("job_id", 0)
	return id, id > 0
}

func (h *Handler) jobStatus(ctx context.Context, req actions.Request) actions.Result {
	id, ok := jobIDParam(req)
	if !ok {
		return actions.Errorf("⚠️ **Job ID required**\n\nUsage: `job status <job_id>`")
	}
	job, err := h.client.GetJob(ctx, id)
	switch {
	case errors.Is(err, awx.ErrNotFound):
		return actions.Errorf("⚠️ **Job not found:** `%d`", id)
	case err != nil:
		return failure("getting job status", err)
	}

	duration := ""
	if job.Elapsed > 0 {
		duration = fmt.Sprintf("\n**Duration:** %.0fs", job.Elapsed)
	}
	msg := fmt.Sprintf("%s **Job Status**\n\n**Job ID:** `%d`\n**Status:** `%s`\n**Playbook:** `%s`%s\n\n**View in AWX:** %s",
		statusEmoji(job.Status), job.ID, job.Status, job.Playbook, duration, h.client.JobURL(job.ID))
	return actions.Success(msg, map[string]any{"job_id": job.ID, "status": job.Status, "done": job.Done()})
}

func (h *Handler) jobOutput(ctx context.Context, req actions.Request) actions.Result {
	id, ok := jobIDParam(req)
	if !ok {
		return actions.Errorf("⚠️ **Job ID required**\n\nUsage: `job output <job_id>`")
	}
	out, err := h.client.JobStdout(ctx, id, req.IntParam("lines", defaultOutputLines))
	switch {
	case errors.Is(err, awx.ErrNotFound):
		return actions.Errorf("⚠️ **Job not found:** `%d`", id)
	case err != nil:
		return failure("getting job output", err)
	}
	if len(out) > maxOutputChars {
		out = out[:maxOutputChars] + "\n... (truncated)"
	}
	msg := fmt.Sprintf("📄 **Job Output** (Job `%d`)\n\n```\n%s\n```\n\n**Full output:** %s", id, out, h.client.JobURL(id))
	return actions.Success(msg, map[string]any{"job_id": id})
}

func (h *Handler) listJobs(ctx context.Context, req actions.Request) actions.Result {
	jobs, err := h.client.ListJobs(ctx, req.IntParam("limit", defaultJobLimit))
	if err != nil {
		return failure("listing jobs", err)
	}
	if len(jobs) == 0 {
		return actions.Success("📋 No recent jobs.", map[string]any{"jobs": []int{}})
	}
	lines := []string{"📋 **Recent Jobs**\n"}
	ids := make([]int, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
		lines = append(lines, fmt.Sprintf("  %s `%d` - %s (%s)", statusEmoji(j.Status), j.ID, j.Name, j.Status))
	}
	lines = append(lines, fmt.Sprintf("\n**Total:** %d jobs shown", len(jobs)))
	return actions.Success(strings.Join(lines, "\n"), map[string]any{"jobs": ids})
}

// setRepo validates the new location by listing it and only persists it
// when it holds at least one playbook.
func (h *Handler) setRepo(ctx context.Context, req actions.Request) actions.Result {
	repo := strings.TrimSpace(req.Param("repo", ""))
	if repo == "" {
		return actions.Errorf("⚠️ **Repository required**\n\nUsage: `set repo <owner/name> [path <folder>] [branch <branch>]`")
	}
	if _, _, err := splitRepo(repo); err != nil {
		return actions.Errorf("⚠️ **Invalid repository format:** `%s`\n\nExpected format: `owner/name`", repo)
	}

	cur := h.location(ctx)
	loc := Location{
		Provider: strings.ToLower(req.Param("provider", cur.Provider)),
		Repo:     repo,
		Path:     strings.Trim(req.Param("path", DefaultPath), "/"),
		Branch:   req.Param("branch", DefaultBranch),
	}

	pbs, err := h.playbooks(ctx, loc)
	if err != nil {
		return actions.Errorf("❌ **Error accessing repository:** %v\n\nRepository unchanged: `%s`", err, cur.Repo)
	}
	if len(pbs) == 0 {
		return actions.Errorf("⚠️ **No playbooks found in new repo**\n\nRepository: `%s`\nPath: `%s`\nBranch: `%s`\n\nRepository unchanged: `%s`",
			loc.Repo, loc.Path, loc.Branch, cur.Repo)
	}

	for key, value := range map[string]string{
		config.KeyPlaybookProvider: loc.Provider,
		config.KeyPlaybookRepo:     loc.Repo,
		config.KeyPlaybookPath:     loc.Path,
		config.KeyPlaybookBranch:   loc.Branch,
	} {
		if err := h.settings.Set(ctx, key, value); err != nil {
			return failure("saving repository", err)
		}
	}
	slog.Info("playbook: repository changed", "from", cur.Repo, "to", loc.Repo, "path", loc.Path, "branch", loc.Branch, "by", req.RequesterID)

	return actions.Success(fmt.Sprintf("✅ **Repository Updated**\n\n**Repository:** `%s`\n**Path:** `%s`\n**Branch:** `%s`\n\n**Playbooks found:** %d",
		loc.Repo, loc.Path, loc.Branch, len(pbs)),
		map[string]any{"repo": loc.Repo, "path": loc.Path, "branch": loc.Branch, "provider": loc.Provider, "playbooks": len(pbs)})
}

func (h *Handler) showRepo(ctx context.Context) actions.Result {
	loc := h.location(ctx)
	apiURL := "unknown"
	if c, err := h.catalogue(loc.Provider); err == nil {
		apiURL = c.APIURL()
	}
	count := "unknown"
	if pbs, err := h.playbooks(ctx, loc); err == nil {
		count = strconv.Itoa(len(pbs))
	}
	msg := fmt.Sprintf("📁 **Playbook Repository Configuration**\n\n**Provider:** `%s`\n**Repository:** `%s`\n**Path:** `%s`\n**Branch:** `%s`\n**API URL:** `%s`\n\n**Playbooks available:** %s\n\nTo change: `set repo <owner/name> [path <folder>] [branch <branch>]`",
		loc.Provider, loc.Repo, loc.Path, loc.Branch, apiURL, count)
	return actions.Success(msg, map[string]any{"provider": loc.Provider, "repo": loc.Repo, "path": loc.Path, "branch": loc.Branch})
}

func (h *Handler) cancelRequest(req actions.Request) actions.Result {
	id := strings.TrimSpace(req.Param("request_id", ""))
	if id == "" {
		return actions.Errorf("⚠️ **Request ID required**\n\nUsage: `cancel request <id>`")
	}
	r, err := h.queue.Cancel(id, req.RequesterID)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return actions.Errorf("Request `%s` not found.", id)
	case errors.Is(err, queue.ErrNotOwner):
		return actions.Errorf("You can only cancel your own requests.")
	case errors.Is(err, queue.ErrRunning):
		return actions.Errorf("Request `%s` is already running. Cannot cancel.", id)
	case err != nil:
		return actions.Errorf("Request `%s` is not in queue (status: %s).", id, r.State)
	}
	return actions.Success(fmt.Sprintf("✅ Request `%s` cancelled.", id), map[string]any{"request_id": id})
}
