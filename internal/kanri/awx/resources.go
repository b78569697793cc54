package awx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Organization is an AWX organization.
type Organization struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Inventory is an AWX inventory.
type Inventory struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Organization int    `json:"organization"`
	TotalHosts   int    `json:"total_hosts"`
	TotalGroups  int    `json:"total_groups"`
}

// Host is a host inside one inventory.  Variables is the JSON (or YAML)
// text AWX stores.
type Host struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Inventory int    `json:"inventory"`
	Variables string `json:"variables"`
}

// Group is a host group inside one inventory.
type Group struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Inventory int    `json:"inventory"`
}

// Project is an SCM-backed playbook project.
type Project struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Organization int    `json:"organization"`
	SCMURL       string `json:"scm_url"`
	SCMBranch    string `json:"scm_branch"`
	Credential   *int   `json:"credential"`
}

// JobTemplate binds a playbook, project and inventory.
type JobTemplate struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Project   int    `json:"project"`
	Inventory int    `json:"inventory"`
	Playbook  string `json:"playbook"`
}

// Job is one playbook run.
type Job struct {
	ID       int        `json:"id"`
	Name     string     `json:"name"`
	Status   string     `json:"status"`
	Playbook string     `json:"playbook"`
	Failed   bool       `json:"failed"`
	Started  *time.Time `json:"started"`
	Finished *time.Time `json:"finished"`
	Elapsed  float64    `json:"elapsed"`
}

// Done reports whether the job reached a terminal status.
func (j Job) Done() bool {
	switch j.Status {
	case "successful", "failed", "error", "canceled":
		return true
	}
	return false
}

// HostVars are the variables written onto every synced host.  Empty fields
// are omitted.
type HostVars struct {
	AnsibleHost string `json:"ansible_host,omitempty"`
	PrivateIP   string `json:"private_ip,omitempty"`
	PublicIP    string `json:"public_ip,omitempty"`
	AllIPs      string `json:"all_ips,omitempty"`
	Customer    string `json:"customer,omitempty"`
}

func byName(name string, extra ...string) url.Values {
	q := url.Values{"name": {name}}
	for i := 0; i+1 < len(extra); i += 2 {
		q.Set(extra[i], extra[i+1])
	}
	return q
}

// FirstOrganization returns the first organization AWX lists.
func (c *Client) FirstOrganization(ctx context.Context) (Organization, error) {
	org, err := first[Organization](ctx, c, "/organizations/", nil)
	if errors.Is(err, ErrNotFound) {
		return org, fmt.Errorf("awx: no organizations found: %w", err)
	}
	return org, err
}

// FindInventory looks an inventory up by exact name.
func (c *Client) FindInventory(ctx context.Context, name string) (Inventory, error) {
	return first[Inventory](ctx, c, "/inventories/", byName(name))
}

// EnsureInventory returns the named inventory, creating it under org when it
// does not exist.  created reports which happened.
func (c *Client) EnsureInventory(ctx context.Context, name string, org int, description string) (inv Inventory, created bool, err error) {
	inv, err = c.FindInventory(ctx, name)
	if err == nil {
		return inv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return inv, false, err
	}
	payload := map[string]any{"name": name, "description": description, "organization": org}
	if err := c.post(ctx, "/inventories/", payload, &inv); err != nil {
		return inv, false, fmt.Errorf("awx: create inventory %q: %w", name, err)
	}
	return inv, true, nil
}

// EnsureHost creates the host in inv or, when it exists with different
// variables, patches them.  changed is true for both.
func (c *Client) EnsureHost(ctx context.Context, inv int, name string, vars HostVars) (h Host, changed bool, err error) {
	encoded, err := json.Marshal(vars)
	if err != nil {
		return h, false, err
	}

	h, err = first[Host](ctx, c, "/hosts/", byName(name, "inventory", strconv.Itoa(inv)))
	switch {
	case err == nil:
		if sameVars(h.Variables, encoded) {
			return h, false, nil
		}
		if err := c.patch(ctx, fmt.Sprintf("/hosts/%d/", h.ID), map[string]any{"variables": string(encoded)}, &h); err != nil {
			return h, false, fmt.Errorf("awx: update host %q: %w", name, err)
		}
		return h, true, nil
	case errors.Is(err, ErrNotFound):
		payload := map[string]any{"name": name, "inventory": inv, "variables": string(encoded)}
		if err := c.post(ctx, "/hosts/", payload, &h); err != nil {
			return h, false, fmt.Errorf("awx: create host %q: %w", name, err)
		}
		return h, true, nil
	default:
		return h, false, err
	}
}

// sameVars compares stored variables with the desired JSON by value, so key
// order and whitespace do not cause needless updates.
func sameVars(stored string, desired []byte) bool {
	var a, b map[string]any
	if strings.TrimSpace(stored) == "" {
		stored = "{}"
	}
	if json.Unmarshal([]byte(stored), &a) != nil {
		return false
	}
	if json.Unmarshal(desired, &b) != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// ListHosts returns every host in an inventory.
func (c *Client) ListHosts(ctx context.Context, inv int) ([]Host, error) {
	return list[Host](ctx, c, fmt.Sprintf("/inventories/%d/hosts/", inv), nil)
}

// EnsureGroup returns the named group of inv, creating it if needed.
func (c *Client) EnsureGroup(ctx context.Context, inv int, name string) (Group, error) {
	g, err := first[Group](ctx, c, "/groups/", byName(name, "inventory", strconv.Itoa(inv)))
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return g, err
	}
	payload := map[string]any{
		"name":        name,
		"inventory":   inv,
		"description": "Auto-generated group for " + name,
	}
	if err := c.post(ctx, "/groups/", payload, &g); err != nil {
		return g, fmt.Errorf("awx: create group %q: %w", name, err)
	}
	return g, nil
}

// AddHostToGroup associates a host with a group.  Existing membership is
// left alone.
func (c *Client) AddHostToGroup(ctx context.Context, group, host int) error {
	path := fmt.Sprintf("/groups/%d/hosts/", group)
	_, err := first[Host](ctx, c, path, url.Values{"id": {strconv.Itoa(host)}})
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return c.post(ctx, path, map[string]any{"id": host}, nil)
}

// ProjectSpec describes the SCM project playbooks are run from.
type ProjectSpec struct {
	Name         string
	Organization int
	SCMURL       string
	Branch       string
	Credential   int // 0 means none
}

// EnsureProject returns the named project, creating it if needed and
// re-pointing it when the URL or branch changed.
func (c *Client) EnsureProject(ctx context.Context, spec ProjectSpec) (Project, error) {
	p, err := first[Project](ctx, c, "/projects/", byName(spec.Name))
	if err == nil {
		update := map[string]any{}
		if p.SCMURL != spec.SCMURL {
			update["scm_url"] = spec.SCMURL
		}
		if p.SCMBranch != spec.Branch {
			update["scm_branch"] = spec.Branch
		}
		if spec.Credential != 0 && (p.Credential == nil || *p.Credential != spec.Credential) {
			update["credential"] = spec.Credential
		}
		if len(update) == 0 {
			return p, nil
		}
		if err := c.patch(ctx, fmt.Sprintf("/projects/%d/", p.ID), update, &p); err != nil {
			return p, fmt.Errorf("awx: update project %q: %w", spec.Name, err)
		}
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return p, err
	}

	payload := map[string]any{
		"name":                 spec.Name,
		"description":          "Managed by kanri",
		"organization":         spec.Organization,
		"scm_type":             "git",
		"scm_url":              spec.SCMURL,
		"scm_branch":           spec.Branch,
		"scm_update_on_launch": true,
	}
	if spec.Credential != 0 {
		payload["credential"] = spec.Credential
	}
	if err := c.post(ctx, "/projects/", payload, &p); err != nil {
		return p, fmt.Errorf("awx: create project %q: %w", spec.Name, err)
	}
	return p, nil
}

// UpdateProject asks AWX to pull the project's SCM checkout.
func (c *Client) UpdateProject(ctx context.Context, id int) error {
	return c.post(ctx, fmt.Sprintf("/projects/%d/update/", id), nil, nil)
}

// EnsureSCMCredential stores token as a "Source Control" credential named
// name, updating the secret when the credential already exists.
func (c *Client) EnsureSCMCredential(ctx context.Context, name string, org int, token string) (int, error) {
	type credential struct {
		ID int `json:"id"`
	}
	cred, err := first[credential](ctx, c, "/credentials/", byName(name))
	if err == nil {
		if err := c.patch(ctx, fmt.Sprintf("/credentials/%d/", cred.ID), map[string]any{"inputs": map[string]string{"password": token}}, nil); err != nil {
			return 0, fmt.Errorf("awx: update credential %q: %w", name, err)
		}
		return cred.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	ct, err := first[credential](ctx, c, "/credential_types/", byName("Source Control"))
	if err != nil {
		return 0, fmt.Errorf("awx: find Source Control credential type: %w", err)
	}
	payload := map[string]any{
		"name":            name,
		"description":     "Managed by kanri",
		"organization":    org,
		"credential_type": ct.ID,
		"inputs":          map[string]string{"username": "git", "password": token},
	}
	if err := c.post(ctx, "/credentials/", payload, &cred); err != nil {
		return 0, fmt.Errorf("awx: create credential %q: %w", name, err)
	}
	return cred.ID, nil
}

// FindJobTemplate looks a job template up by name.
func (c *Client) FindJobTemplate(ctx context.Context, name string) (JobTemplate, error) {
	return first[JobTemplate](ctx, c, "/job_templates/", byName(name))
}

// TemplateSpec describes a job template for one playbook.
type TemplateSpec struct {
	Name      string
	Project   int
	Playbook  string // path inside the project
	Inventory int
}

// EnsureJobTemplate returns the named template, creating it or re-pointing
// its inventory as needed.  Variables are prompted on launch.
func (c *Client) EnsureJobTemplate(ctx context.Context, spec TemplateSpec) (JobTemplate, error) {
	jt, err := c.FindJobTemplate(ctx, spec.Name)
	if err == nil {
		if jt.Inventory == spec.Inventory {
			return jt, nil
		}
		if err := c.patch(ctx, fmt.Sprintf("/job_templates/%d/", jt.ID), map[string]any{"inventory": spec.Inventory}, &jt); err != nil {
			return jt, fmt.Errorf("awx: update job template %q: %w", spec.Name, err)
		}
		return jt, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return jt, err
	}
	payload := map[string]any{
		"name":                    spec.Name,
		"description":             "Managed by kanri",
		"project":                 spec.Project,
		"playbook":                spec.Playbook,
		"inventory":               spec.Inventory,
		"job_type":                "run",
		"ask_variables_on_launch": true,
	}
	if err := c.post(ctx, "/job_templates/", payload, &jt); err != nil {
		return jt, fmt.Errorf("awx: create job template %q: %w", spec.Name, err)
	}
	return jt, nil
}

// LaunchJobTemplate starts a job.  extraVars is passed through as given
// (JSON or YAML text); empty means none.
func (c *Client) LaunchJobTemplate(ctx context.Context, template int, extraVars string) (Job, error) {
	payload := map[string]any{}
	if strings.TrimSpace(extraVars) != "" {
		payload["extra_vars"] = extraVars
	}
	var launched struct {
		Job
		JobID int `json:"job"`
	}
	if err := c.post(ctx, fmt.Sprintf("/job_templates/%d/launch/", template), payload, &launched); err != nil {
		return Job{}, fmt.Errorf("awx: launch template %d: %w", template, err)
	}
	job := launched.Job
	if job.ID == 0 {
		job.ID = launched.JobID
	}
	if job.Status == "" {
		job.Status = "pending"
	}
	return job, nil
}

// GetJob fetches a job.  A missing job returns an error matching
// ErrNotFound.
func (c *Client) GetJob(ctx context.Context, id int) (Job, error) {
	var j Job
	if err := c.get(ctx, fmt.Sprintf("/jobs/%d/", id), nil, &j); err != nil {
		return j, err
	}
	return j, nil
}

// JobStdout returns the last lines of a job's plain-text output.
func (c *Client) JobStdout(ctx context.Context, id, lines int) (string, error) {
	var out string
	if err := c.get(ctx, fmt.Sprintf("/jobs/%d/stdout/", id), url.Values{"format": {"txt"}}, &out); err != nil {
		return "", err
	}
	return Tail(out, lines), nil
}

// Tail keeps the last n lines of s.  n <= 0 keeps everything.
func Tail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if n <= 0 {
		return s
	}
	parts := strings.Split(s, "\n")
	if len(parts) <= n {
		return s
	}
	return strings.Join(parts[len(parts)-n:], "\n")
}

// ListJobs returns the most recently created jobs.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	var p page[Job]
	q := url.Values{"order_by": {"-created"}, "page_size": {strconv.Itoa(limit)}}
	if err := c.get(ctx, "/jobs/", q, &p); err != nil {
		return nil, err
	}
	return p.Results, nil
}
