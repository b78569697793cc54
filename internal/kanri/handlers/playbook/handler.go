// Package playbook is the "awx-playbook" handler: it lists playbooks from a
// Git repository and runs them on AWX inventories through the request
// queue.
package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/audit"
	"github.com/bdobrica/Kanri/internal/kanri/awx"
	"github.com/bdobrica/Kanri/internal/kanri/config"
	"github.com/bdobrica/Kanri/internal/kanri/queue"
)

// Name is the handler name advertised to the intent parser.
const Name = "awx-playbook"

const (
	DefaultPath          = "ansible"
	DefaultBranch        = "main"
	DefaultProvider      = "github"
	DefaultProjectPrefix = "kanri"

	defaultOutputLines = 50
	defaultJobLimit    = 10
	maxOutputChars     = 3000
	suggestionLimit    = 5
)

// Config wires the handler.  Client and at least one catalogue are required.
type Config struct {
	Client     *awx.Client
	Catalogues map[string]Catalogue // by provider name
	Settings   config.Store
	// Defaults apply when the settings store has no value.
	Defaults Location
	// SCMTokens are optional per-provider tokens stored as AWX source control
	// credentials so AWX can clone private repositories.
	SCMTokens     map[string]string
	ProjectPrefix string

	MaxConcurrent int
	Notify        queue.Notifier
	// Audit receives a playbook.launched event for every launched job.
	Audit audit.Notifier
}

// Handler implements actions.Handler.
type Handler struct {
	client     *awx.Client
	catalogues map[string]Catalogue
	settings   config.Store
	defaults   Location
	tokens     map[string]string
	prefix     string
	audit      audit.Notifier
	queue      *queue.Queue
}

// New returns the handler together with its request queue.  The caller runs
// the queue with Queue().Run.
func New(cfg Config) (*Handler, error) {
	if cfg.Client == nil {
		return nil, errors.New("playbook: AWX client is required")
	}
	if len(cfg.Catalogues) == 0 {
		return nil, errors.New("playbook: at least one catalogue is required")
	}
	if cfg.Settings == nil {
		cfg.Settings = config.NewMemory()
	}
	if cfg.Defaults.Provider == "" {
		cfg.Defaults.Provider = DefaultProvider
	}
	if cfg.Defaults.Path == "" {
		cfg.Defaults.Path = DefaultPath
	}
	if cfg.Defaults.Branch == "" {
		cfg.Defaults.Branch = DefaultBranch
	}
	if cfg.ProjectPrefix == "" {
		cfg.ProjectPrefix = DefaultProjectPrefix
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Noop{}
	}

	h := &Handler{
		client:     cfg.Client,
		catalogues: cfg.Catalogues,
		settings:   cfg.Settings,
		defaults:   cfg.Defaults,
		tokens:     cfg.SCMTokens,
		prefix:     cfg.ProjectPrefix,
		audit:      cfg.Audit,
	}
	q, err := queue.New(queue.Config{MaxConcurrent: cfg.MaxConcurrent, Executor: h.launch, Notify: cfg.Notify})
	if err != nil {
		return nil, err
	}
	h.queue = q
	return h, nil
}

// Name implements actions.Handler.
func (h *Handler) Name() string { return Name }

// Queue returns the request queue the handler submits confirmed runs to.
func (h *Handler) Queue() *queue.Queue { return h.queue }

func param(name, typ, desc string, required bool) actions.Parameter {
	return actions.Parameter{Name: name, Type: typ, Description: desc, Required: required}
}

// Descriptors implements actions.Handler.
func (h *Handler) Descriptors() []actions.Descriptor {
	jobID := param("job_id", actions.TypeInteger, "AWX job ID", true)
	return []actions.Descriptor{
		{
			Name:        "list-playbooks",
			Description: "List the playbooks available in the configured repository",
			Examples:    []string{"list playbooks", "what playbooks are available"},
		},
		{
			Name:        "run-playbook",
			Description: "Run a playbook on an AWX inventory through the request queue",
			Parameters: []actions.Parameter{
				param("playbook", actions.TypeString, "Playbook name (e.g. 'restart-service' or 'restart-service.yml')", true),
				param("inventory", actions.TypeString, "AWX inventory name (e.g. 'mim-lolxp')", true),
				param("extra_vars", actions.TypeString, "Extra variables as a JSON object", false),
				{Name: "priority", Type: actions.TypeString, Description: "Queue priority", Enum: []string{"high", "normal", "low"}},
			},
			RequiresConfirmation: true,
			Examples:             []string{"run playbook restart-nginx on mim-lolxp", "execute ping on central inventory"},
		},
		{
			Name:        "job-status",
			Description: "Show the status of an AWX job",
			Parameters:  []actions.Parameter{jobID},
			Examples:    []string{"job status 1234", "check job 1234"},
		},
		{
			Name:        "job-output",
			Description: "Show the last lines of an AWX job's output",
			Parameters:  []actions.Parameter{jobID, param("lines", actions.TypeInteger, "Number of lines (default: 50)", false)},
			Examples:    []string{"job output 1234", "show output of job 1234"},
		},
		{
			Name:        "list-jobs",
			Description: "List recent AWX jobs",
			Parameters:  []actions.Parameter{param("limit", actions.TypeInteger, "Number of jobs (default: 10)", false)},
			Examples:    []string{"list jobs", "recent jobs"},
		},
		{
			Name:        "set-repo",
			Description: "Change the repository playbooks are read from",
			Parameters: []actions.Parameter{
				param("repo", actions.TypeString, "Repository as owner/name", true),
				param("path", actions.TypeString, "Folder holding the playbooks (default: ansible)", false),
				param("branch", actions.TypeString, "Branch (default: main)", false),
				{Name: "provider", Type: actions.TypeString, Description: "Git hosting provider", Enum: h.providers()},
			},
			Examples: []string{"set repo ops/ansible-playbooks path playbooks branch main"},
		},
		{
			Name:        "show-repo",
			Description: "Show the configured playbook repository",
			Examples:    []string{"show repo", "which repo are playbooks from"},
		},
		{
			Name:        "queue-status",
			Description: "Show running, queued and recent playbook requests",
			Examples:    []string{"queue status", "what is running"},
		},
		{
			Name:        "cancel-request",
			Description: "Cancel one of your queued playbook requests",
			Parameters:  []actions.Parameter{param("request_id", actions.TypeString, "Queue request ID", true)},
			Examples:    []string{"cancel request 3f2a9c1d"},
		},
	}
}

func (h *Handler) providers() []string {
	out := make([]string, 0, len(h.catalogues))
	for p := range h.catalogues {
		out = append(out, p)
	}
	sortStrings(out)
	return out
}

// Execute implements actions.Handler.
func (h *Handler) Execute(ctx context.Context, req actions.Request) (actions.Result, error) {
	slog.Debug("playbook: execute", "action", req.Action, "confirmed", req.Confirmed)

	switch req.Action {
	case "list-playbooks":
		return h.listPlaybooks(ctx), nil
	case "run-playbook":
		return h.runPlaybook(ctx, req), nil
	case "job-status":
		return h.jobStatus(ctx, req), nil
	case "job-output":
		return h.jobOutput(ctx, req), nil
	case "list-jobs":
		return h.listJobs(ctx, req), nil
	case "set-repo":
		return h.setRepo(ctx, req), nil
	case "show-repo":
		return h.showRepo(ctx), nil
	case "queue-status":
		return actions.Success(h.queue.Status(), nil), nil
	case "cancel-request":
		return h.cancelRequest(req), nil
	}
	return actions.Result{}, fmt.Errorf("%w: %s", actions.ErrUnknownAction, req.Action)
}

// location returns the playbook location, stored settings first.
func (h *Handler) location(ctx context.Context) Location {
	return Location{
		Provider: config.GetOr(ctx, h.settings, config.KeyPlaybookProvider, h.defaults.Provider),
		Repo:     config.GetOr(ctx, h.settings, config.KeyPlaybookRepo, h.defaults.Repo),
		Path:     config.GetOr(ctx, h.settings, config.KeyPlaybookPath, h.defaults.Path),
		Branch:   config.GetOr(ctx, h.settings, config.KeyPlaybookBranch, h.defaults.Branch),
	}
}

func (h *Handler) catalogue(provider string) (Catalogue, error) {
	c, ok := h.catalogues[provider]
	if !ok {
		return nil, fmt.Errorf("no catalogue for provider %q (have %s)", provider, strings.Join(h.providers(), ", "))
	}
	return c, nil
}

func (h *Handler) playbooks(ctx context.Context, loc Location) ([]Playbook, error) {
	if loc.Repo == "" {
		return nil, errors.New("no playbook repository configured; use `set repo <owner/name>`")
	}
	c, err := h.catalogue(loc.Provider)
	if err != nil {
		return nil, err
	}
	return c.List(ctx, loc)
}

func failure(what string, err error) actions.Result {
	return actions.Errorf("❌ **Error %s:** %v", what, err)
}
