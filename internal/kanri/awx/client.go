// Package awx is a client for the AWX (Ansible Tower) REST API, covering the
// inventory and job template calls Kanri needs.
package awx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kanri/common/retry"
	"github.com/bdobrica/Kanri/common/trace"
)

const (
	defaultTimeout = 30 * time.Second
	// maxPages bounds pagination so a misbehaving server cannot loop us.
	maxPages = 50
)

var (
	// ErrUnavailable covers transport failures and 5xx responses.
	ErrUnavailable = errors.New("awx: unavailable")
	// ErrNotFound is returned when a named or numbered object does not exist.
	ErrNotFound = errors.New("awx: not found")
	// ErrNoAuth is returned by New when no credentials are configured.
	ErrNoAuth = errors.New("awx: no authentication method configured")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("awx: %s %s → %d: %s", e.Method, e.Path, e.Code, e.Body)
	}
	return fmt.Sprintf("awx: %s %s → %d", e.Method, e.Path, e.Code)
}

// StatusCode lets retry classify the error.
func (e *StatusError) StatusCode() int { return e.Code }

// Is makes 5xx responses match ErrUnavailable and 404 match ErrNotFound.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Code >= 500
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	}
	return false
}

// Config holds connection and credential settings.  Authentication is tried
// in order: Token, then the OAuth2 password grant (ClientID, ClientSecret,
// Username, Password), then basic auth (Username, Password).
type Config struct {
	Server       string // host[:port], or a full URL with scheme
	Token        string
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Client talks to one AWX server.  It is safe for concurrent use.
type Client struct {
	root       string // scheme://host[:port]
	httpClient *http.Client
	cfg        Config
	retry      retry.Config

	mu     sync.Mutex
	bearer string
}

// New validates cfg and returns a client.  No request is made until the
// first call; an OAuth token is fetched lazily.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Server) == "" {
		return nil, errors.New("awx: server not configured")
	}
	if cfg.Token == "" && (cfg.Username == "" || cfg.Password == "") {
		return nil, ErrNoAuth
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	root := strings.TrimRight(cfg.Server, "/")
	if !strings.Contains(root, "://") {
		root = "http://" + root
	}
	return &Client{
		root:       root,
		httpClient: hc,
		cfg:        cfg,
		retry:      retry.DefaultConfig,
		bearer:     cfg.Token,
	}, nil
}

// Server returns the scheme://host root of the AWX server.
func (c *Client) Server() string { return c.root }

// APIURL returns the REST base, e.g. http://awx.local/api/v2.
func (c *Client) APIURL() string { return c.root + "/api/v2" }

// JobURL returns the web UI link for a job.
func (c *Client) JobURL(id int) string {
	return fmt.Sprintf("%s/#/jobs/playbook/%d", c.root, id)
}

// AuthMethod names the credential style in use, for status output.
func (c *Client) AuthMethod() string {
	switch {
	case c.cfg.Token != "":
		return "token"
	case c.oauthConfigured():
		return "oauth2"
	default:
		return "basic"
	}
}

func (c *Client) oauthConfigured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != "" && c.cfg.Username != "" && c.cfg.Password != ""
}

// Ping checks that the API answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/ping/", nil, nil)
}

// --- auth ---

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bearer == "" && c.oauthConfigured() {
		tok, err := c.fetchToken(ctx)
		if err != nil {
			return err
		}
		c.bearer = tok
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
		return nil
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	return nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"password"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"username":      {c.cfg.Username},
		"password":      {c.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.root+"/api/o/token/", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("awx: oauth token: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("awx: oauth token request failed: %w",
			&StatusError{Method: http.MethodPost, Path: "/api/o/token/", Code: resp.StatusCode})
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", errors.New("awx: oauth token response has no access_token")
	}
	return tr.AccessToken, nil
}

// --- transport helpers ---

// page is the envelope of every AWX list endpoint.
type page[T any] struct {
	Count   int     `json:"count"`
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

// first returns the first result of a filtered list, or ErrNotFound.
func first[T any](ctx context.Context, c *Client, path string, q url.Values) (T, error) {
	var zero T
	var p page[T]
	if err := c.get(ctx, path, q, &p); err != nil {
		return zero, err
	}
	if len(p.Results) == 0 {
		return zero, ErrNotFound
	}
	return p.Results[0], nil
}

// list follows "next" links until exhausted.
func list[T any](ctx context.Context, c *Client, path string, q url.Values) ([]T, error) {
	var out []T
	if q == nil {
		q = url.Values{}
	}
	for pageNo := 1; pageNo <= maxPages; pageNo++ {
		q.Set("page", strconv.Itoa(pageNo))
		var p page[T]
		if err := c.get(ctx, path, q, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Results...)
		if p.Next == nil || *p.Next == "" {
			return out, nil
		}
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	return retry.Do(ctx, c.retry, func() error {
		return c.send(ctx, http.MethodGet, path, q, nil, out)
	})
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.send(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) patch(ctx context.Context, path string, body, out any) error {
	return c.send(ctx, http.MethodPatch, path, nil, body, out)
}

func (c *Client) send(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.APIURL() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("awx: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("awx: %s %s: %w: %w", method, path, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("awx: read body: %w: %w", ErrUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: errorDetail(raw)}
	}

	switch dst := out.(type) {
	case nil:
	case *string:
		*dst = string(raw)
	default:
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("awx: unmarshal %s: %w", path, err)
			}
		}
	}
	return nil
}

// errorDetail extracts AWX's {"detail": "..."} message, or a short prefix of
// the body.
func errorDetail(raw []byte) string {
	var e struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Detail != "" {
		return e.Detail
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
