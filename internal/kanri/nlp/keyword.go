package nlp

import (
	"context"
	"regexp"
	"strings"

	"github.com/bdobrica/Kanri/internal/kanri/resolver"
)

const (
	inventoryHandler = "etcd-awx-sync"
	playbookHandler  = "awx-playbook"
)

// keywordProvider is an offline heuristic classifier.  It is used when no LLM
// is configured and in tests.  Roles and domains are recognised through the
// resolver against the vocabulary carried in the request.
type keywordProvider struct{}

// NewKeyword returns the keyword-matching Provider.
func NewKeyword() Provider { return keywordProvider{} }

type listVocab struct {
	roles   map[string]bool
	domains map[string]bool
}

func newListVocab(roles, domains []string) listVocab {
	v := listVocab{roles: make(map[string]bool, len(roles)), domains: make(map[string]bool, len(domains))}
	for _, r := range roles {
		v.roles[strings.ToLower(r)] = true
	}
	for _, d := range domains {
		v.domains[strings.ToLower(d)] = true
	}
	return v
}

func (v listVocab) ContainsRole(name string) bool   { return v.roles[name] }
func (v listVocab) ContainsDomain(name string) bool { return v.domains[name] }

var (
	jobIDPattern    = regexp.MustCompile(`\bjob\s*#?\s*(\d+)\b`)
	playbookPattern = regexp.MustCompile(`\b([a-z0-9_.-]+\.ya?ml)\b`)
)

// inventoryPattern runs on the original message so the inventory name keeps
// its case.
var inventoryPattern = regexp.MustCompile(`(?is)\son\s+(.+)$`)

func (keywordProvider) Classify(_ context.Context, req ClassifyRequest) (*Intent, error) {
	text := strings.ToLower(req.Message)
	filter := resolver.Resolve(text, newListVocab(req.Roles, req.Domains))

	params := map[string]string{}
	if filter.Role != "" {
		params["role"] = filter.Role
	}
	if filter.Domain != "" {
		params["domain"] = filter.Domain
	}

	intent := func(handler, action string, p map[string]string, conf float64, why string) (*Intent, error) {
		if p == nil {
			p = map[string]string{}
		}
		return &Intent{Handler: handler, Action: action, Parameters: p, Confidence: conf, Explanation: why}, nil
	}
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(text, w) {
				return true
			}
		}
		return false
	}

	switch {
	case has("queue"):
		return intent(playbookHandler, "queue-status", nil, 0.9, "User wants to see the request queue")
	case has("playbook") && has("list", "show", "available", "which"):
		return intent(playbookHandler, "list-playbooks", nil, 0.9, "User wants to list playbooks")
	case has("job") && jobIDPattern.MatchString(text):
		id := jobIDPattern.FindStringSubmatch(text)[1]
		if has("output", "log", "stdout") {
			return intent(playbookHandler, "job-output", map[string]string{"job_id": id}, 0.9, "User wants job output")
		}
		return intent(playbookHandler, "job-status", map[string]string{"job_id": id}, 0.9, "User wants job status")
	case has("jobs"):
		return intent(playbookHandler, "list-jobs", nil, 0.85, "User wants recent jobs")
	case has("run ") && playbookPattern.MatchString(text):
		p := map[string]string{"playbook": playbookPattern.FindStringSubmatch(text)[1]}
		if m := inventoryPattern.FindStringSubmatch(req.Message); m != nil {
			p["inventory"] = strings.TrimSpace(m[1])
		}
		return intent(playbookHandler, "run-playbook", p, 0.8, "User wants to run a playbook")
	case has("status"):
		return intent(inventoryHandler, "status", nil, 0.95, "User wants to see status")
	case has("refresh", "reload"):
		return intent(inventoryHandler, "refresh", nil, 0.9, "User wants to refresh the vocabulary")
	case has("how many"):
		switch {
		case filter.Role != "" && filter.Domain != "":
			return intent(inventoryHandler, "count", params, 0.95, "Count "+filter.Role+" servers in "+filter.Domain)
		case filter.Role != "" && has("domain"):
			return intent(inventoryHandler, "count-domains", map[string]string{"role": filter.Role}, 0.95, "Count domains with "+filter.Role)
		case filter.Domain != "" || filter.Role != "":
			return intent(inventoryHandler, "count", params, 0.9, "Count hosts for "+filter.String())
		}
		return intent(inventoryHandler, "count", nil, 0.6, "Count all hosts")
	case has("list", "show", "which") && has("domain"):
		p := map[string]string{}
		if filter.Role != "" {
			p["role"] = filter.Role
		}
		return intent(inventoryHandler, "list-domains", p, 0.95, "User wants to list domains")
	case has("list", "show", "which") && has("role"):
		p := map[string]string{}
		if filter.Domain != "" {
			p["domain"] = filter.Domain
		}
		return intent(inventoryHandler, "list-roles", p, 0.95, "User wants to list roles")
	case has("update") && (filter.Role != "" || filter.Domain != ""):
		return intent(inventoryHandler, "update", params, 0.9, "User wants to update an inventory")
	case has("create", "inventory", "make") && (filter.Role != "" || filter.Domain != ""):
		return intent(inventoryHandler, "create", params, 0.9, "User wants to create an inventory")
	case has("sync") || (has("create", "inventory") && filter.WantsAll):
		return intent(inventoryHandler, "sync", nil, 0.9, "User wants to run a full sync")
	case has("help"):
		return intent("unknown", "help", nil, 1.0, "User asked for help")
	}
	return Unknown("Could not determine intent"), nil
}
