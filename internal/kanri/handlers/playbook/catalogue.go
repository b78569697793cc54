package playbook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/go-github/v60/github"
	"github.com/xanzy/go-gitlab"
)

// ErrRepoNotFound is returned when the repository, path or branch does not
// exist.
var ErrRepoNotFound = errors.New("playbook repository not found")

// Location names a folder of playbooks in a repository.
type Location struct {
	Provider string // "github" or "gitlab"
	Repo     string // owner/name
	Path     string
	Branch   string
}

// Playbook is one playbook file.
type Playbook struct {
	Name string // file name, e.g. restart.yml
	Path string // path inside the repository
}

// DisplayName is the file name without its extension.
func (p Playbook) DisplayName() string { return trimExt(p.Name) }

// Catalogue lists the playbooks at a location.
type Catalogue interface {
	List(ctx context.Context, loc Location) ([]Playbook, error)
	// APIURL is the API endpoint the catalogue talks to.
	APIURL() string
	// CloneURL is the HTTPS clone URL AWX should use for repo.
	CloneURL(repo string) string
}

func isPlaybook(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}

func trimExt(name string) string {
	name = strings.TrimSuffix(name, ".yml")
	return strings.TrimSuffix(name, ".yaml")
}

func splitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository %q: want owner/name", repo)
	}
	return owner, name, nil
}

func sortPlaybooks(pbs []Playbook) []Playbook {
	sort.Slice(pbs, func(i, j int) bool { return pbs[i].Name < pbs[j].Name })
	return pbs
}

// GitHub lists playbooks through the GitHub contents API.
type GitHub struct {
	client *github.Client
	web    string
}

// GitHubOption configures GitHub.
type GitHubOption func(*GitHub)

// WithGitHubBaseURL points the client at a GitHub Enterprise or test server.
// web is the host clone URLs are built from.
func WithGitHubBaseURL(api, web string) GitHubOption {
	return func(g *GitHub) {
		g.client.BaseURL, _ = g.client.BaseURL.Parse(strings.TrimSuffix(api, "/") + "/")
		g.web = strings.TrimSuffix(web, "/")
	}
}

// NewGitHub returns a GitHub catalogue.  An empty token uses anonymous
// access.
func NewGitHub(token string, opts ...GitHubOption) *GitHub {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	g := &GitHub{client: client, web: "https://github.com"}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// APIURL implements Catalogue.
func (g *GitHub) APIURL() string { return strings.TrimSuffix(g.client.BaseURL.String(), "/") }

// CloneURL implements Catalogue.
func (g *GitHub) CloneURL(repo string) string { return g.web + "/" + repo + ".git" }

// List implements Catalogue.
func (g *GitHub) List(ctx context.Context, loc Location) ([]Playbook, error) {
	owner, name, err := splitRepo(loc.Repo)
	if err != nil {
		return nil, err
	}
	_, entries, resp, err := g.client.Repositories.GetContents(ctx, owner, name, loc.Path,
		&github.RepositoryContentGetOptions{Ref: loc.Branch})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s/%s@%s", ErrRepoNotFound, loc.Repo, loc.Path, loc.Branch)
		}
		return nil, fmt.Errorf("github contents %s/%s: %w", loc.Repo, loc.Path, err)
	}

	var out []Playbook
	for _, e := range entries {
		if e.GetType() == "file" && isPlaybook(e.GetName()) {
			out = append(out, Playbook{Name: e.GetName(), Path: e.GetPath()})
		}
	}
	return sortPlaybooks(out), nil
}

// GitLab lists playbooks through the GitLab repository tree API.
type GitLab struct {
	client *gitlab.Client
	web    string
}

// NewGitLab returns a GitLab catalogue.  baseURL is the instance root
// ("https://gitlab.example.com"); empty means gitlab.com.
func NewGitLab(token, baseURL string) (*GitLab, error) {
	web := strings.TrimSuffix(baseURL, "/")
	var opts []gitlab.ClientOptionFunc
	if web != "" {
		opts = append(opts, gitlab.WithBaseURL(web+"/api/v4"))
	} else {
		web = "https://gitlab.com"
	}
	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("gitlab client: %w", err)
	}
	return &GitLab{client: client, web: web}, nil
}

// APIURL implements Catalogue.
func (g *GitLab) APIURL() string { return strings.TrimSuffix(g.client.BaseURL().String(), "/") }

// CloneURL implements Catalogue.
func (g *GitLab) CloneURL(repo string) string { return g.web + "/" + repo + ".git" }

// List implements Catalogue.
func (g *GitLab) List(ctx context.Context, loc Location) ([]Playbook, error) {
	if _, _, err := splitRepo(loc.Repo); err != nil {
		return nil, err
	}
	opt := &gitlab.ListTreeOptions{
		ListOptions: gitlab.ListOptions{PerPage: 100, Page: 1},
		Path:        gitlab.Ptr(loc.Path),
		Ref:         gitlab.Ptr(loc.Branch),
	}

	var out []Playbook
	for {
		nodes, resp, err := g.client.Repositories.ListTree(loc.Repo, opt, gitlab.WithContext(ctx))
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("%w: %s/%s@%s", ErrRepoNotFound, loc.Repo, loc.Path, loc.Branch)
			}
			return nil, fmt.Errorf("gitlab tree %s/%s: %w", loc.Repo, loc.Path, err)
		}
		for _, n := range nodes {
			if n.Type == "blob" && isPlaybook(n.Name) {
				out = append(out, Playbook{Name: n.Name, Path: n.Path})
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return sortPlaybooks(out), nil
}
