package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kanri/common/trace"
	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/audit"
	"github.com/bdobrica/Kanri/internal/kanri/confirm"
	"github.com/bdobrica/Kanri/internal/kanri/dispatch"
	"github.com/bdobrica/Kanri/internal/kanri/nlp"
	"github.com/bdobrica/Kanri/internal/kanri/resolver"
	"github.com/bdobrica/Kanri/internal/kanri/vocabulary"
)

const (
	alice = "@alice:example.org"
	bob   = "@bob:example.org"
)

// fakeParser returns a canned intent or error and records the request.
type fakeParser struct {
	intent *nlp.Intent
	err    error
	panics bool
	got    nlp.ClassifyRequest
}

func (p *fakeParser) Classify(_ context.Context, req nlp.ClassifyRequest) (*nlp.Intent, error) {
	p.got = req
	if p.panics {
		panic("slice bounds out of range")
	}
	return p.intent, p.err
}

// inventoryHandler mimics a handler with one read-only and one gated action.
type inventoryHandler struct {
	mu        sync.Mutex
	requests  []actions.Request
	executed  int
	failWith  error
	panicWith string
	reconfirm bool
}

func (h *inventoryHandler) Name() string { return "etcd-awx-sync" }

func (h *inventoryHandler) Descriptors() []actions.Descriptor {
	return []actions.Descriptor{
		{
			Name:        "count",
			Description: "Count hosts.",
			Parameters: []actions.Parameter{
				{Name: "role", Type: actions.TypeString},
				{Name: "domain", Type: actions.TypeString},
			},
		},
		{
			Name:                 "create",
			Description:          "Create an inventory.",
			RequiresConfirmation: true,
			Parameters: []actions.Parameter{
				{Name: "role", Type: actions.TypeString},
				{Name: "domain", Type: actions.TypeString},
				{Name: "all", Type: actions.TypeBoolean},
			},
		},
		{
			Name:        "count-domains",
			Description: "Count domains with a role.",
			Parameters:  []actions.Parameter{{Name: "role", Type: actions.TypeString, Required: true}},
		},
	}
}

func (h *inventoryHandler) Execute(_ context.Context, req actions.Request) (actions.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)

	if h.failWith != nil {
		return actions.Result{}, h.failWith
	}
	if h.panicWith != "" {
		panic(h.panicWith)
	}
	switch req.Action {
	case "count":
		return actions.Success(fmt.Sprintf("%s: 3 hosts", req.Param("role", "all")), map[string]any{"count": 3}), nil
	case "create":
		if !req.Confirmed || h.reconfirm {
			params := map[string]string{"inventory_name": req.Param("role", "x") + "-" + req.Param("domain", "all-domains")}
			for k, v := range req.Params {
				params[k] = v
			}
			res := actions.NeedsConfirmation("Create inventory with 3 hosts?", params)
			return res, nil
		}
		h.executed++
		return actions.Success("Inventory "+req.Params["inventory_name"]+" created", nil), nil
	}
	return actions.Success("ok", nil), nil
}

type auditRow struct {
	traceID, actor, action, target, result, errMsg string
}

type fakeAudit struct {
	mu   sync.Mutex
	rows []auditRow
}

func (a *fakeAudit) WriteAudit(_ context.Context, traceID, actor, action, target, result string, _ map[string]any, errMsg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, auditRow{traceID, actor, action, target, result, errMsg})
	return nil
}

func (a *fakeAudit) last() auditRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rows[len(a.rows)-1]
}

type fakeNotifier struct {
	mu    sync.Mutex
	kinds []audit.Kind
}

func (n *fakeNotifier) Notify(_ context.Context, evt audit.Event) {
	n.mu.Lock()
	n.kinds = append(n.kinds, evt.Kind)
	n.mu.Unlock()
}

type staticVocab struct{}

func (staticVocab) ListRoles() []vocabulary.Entry {
	return []vocabulary.Entry{{Name: "mim", Count: 3}, {Name: "ts", Count: 1}}
}
func (staticVocab) ListDomains() []vocabulary.Entry {
	return []vocabulary.Entry{{Name: "lolxp", Count: 4}}
}

type fixture struct {
	d        *dispatch.Dispatcher
	parser   *fakeParser
	handler  *inventoryHandler
	confirms *confirm.Manager
	audit    *fakeAudit
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, confirm.Config{})
}

func newFixtureWith(t *testing.T, cc confirm.Config) *fixture {
	t.Helper()
	reg := actions.NewRegistry()
	h := &inventoryHandler{}
	require.NoError(t, reg.Register(h))

	f := &fixture{
		parser:   &fakeParser{},
		handler:  h,
		confirms: confirm.NewManager(cc),
		audit:    &fakeAudit{},
		notifier: &fakeNotifier{},
	}
	d, err := dispatch.New(dispatch.Config{
		Registry:      reg,
		Confirmations: f.confirms,
		Parser:        f.parser,
		Vocabulary:    staticVocab{},
		Audit:         f.audit,
		Notifier:      f.notifier,
	})
	require.NoError(t, err)
	f.d = d
	return f
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := dispatch.New(dispatch.Config{})
	assert.Error(t, err)
}

func TestHandleText_ReadOnlyAction(t *testing.T) {
	f := newFixture(t)
	f.parser.intent = &nlp.Intent{Action: "count", Parameters: map[string]string{"role": "mim"}, Confidence: 0.95}

	ctx := trace.WithTraceID(context.Background(), "t_test")
	res := f.d.HandleText(ctx, "how many mim servers?", alice, "!room")

	assert.Equal(t, actions.StatusSuccess, res.Status)
	assert.Equal(t, "mim: 3 hosts", res.Message)
	assert.Equal(t, []string{"mim", "ts"}, f.parser.got.Roles)
	assert.Equal(t, []string{"lolxp"}, f.parser.got.Domains)
	assert.Contains(t, f.parser.got.Catalogue, "count [handler: etcd-awx-sync]")

	row := f.audit.last()
	assert.Equal(t, "t_test", row.traceID)
	assert.Equal(t, "count", row.action)
	assert.Equal(t, "success", row.result)
}

func TestHandleText_LowConfidenceGivesHelp(t *testing.T) {
	f := newFixture(t)
	f.parser.intent = &nlp.Intent{Action: "count", Confidence: 0.3, Explanation: "vague"}

	res := f.d.HandleText(context.Background(), "hmm", alice, "")
	assert.Equal(t, actions.StatusError, res.Status)
	assert.Contains(t, res.Message, "Available actions")
	assert.Empty(t, f.handler.requests, "nothing may execute below the threshold")
}

func TestHandleText_UnknownActionGivesHelp(t *testing.T) {
	f := newFixture(t)
	f.parser.intent = &nlp.Intent{Action: "reboot-world", Confidence: 0.99}

	res := f.d.HandleText(context.Background(), "reboot the world", alice, "")
	assert.Equal(t, actions.StatusError, res.Status)
	assert.Contains(t, res.Message, `"reboot-world"`)
	assert.Contains(t, res.Message, "count-domains")
}

func TestHandleText_HelpIntent(t *testing.T) {
	f := newFixture(t)
	f.parser.intent = nlp.Unknown("Could not determine intent")

	res := f.d.HandleText(context.Background(), "???", alice, "")
	assert.Equal(t, actions.StatusError, res.Status)
	assert.Contains(t, res.Message, "Available actions")
}

func TestHandleText_ParseErrors(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: sender x", nlp.ErrSenderLimit), nlp.RateLimitMessage},
		{nlp.ErrRateLimit, nlp.APIRateLimitMessage},
		{fmt.Errorf("%w: junk", nlp.ErrMalformedOutput), nlp.MalformedOutputMessage},
		{errors.New("connection refused"), nlp.UnavailableMessage},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.parser.err = tt.err
		res := f.d.HandleText(context.Background(), "anything", alice, "")
		assert.Equal(t, actions.StatusError, res.Status)
		assert.Equal(t, tt.want, res.Message)
		assert.Equal(t, "parse", f.audit.last().action)
	}
}

func TestHandleText_PanicsAreContained(t *testing.T) {
	f := newFixture(t)
	f.parser.panics = true

	res := f.d.HandleText(context.Background(), "run site.yml on x", alice, "")
	assert.Equal(t, actions.StatusError, res.Status)
	assert.Equal(t, nlp.MalformedOutputMessage, res.Message)

	f.parser.panics = false
	f.parser.intent = &nlp.Intent{Action: "count", Parameters: map[string]string{"role": "mim"}, Confidence: 0.95}
	f.handler.panicWith = "nil map"
	res = f.d.HandleText(context.Background(), "how many mim", alice, "")
	assert.Equal(t, actions.StatusError, res.Status)
	assert.Contains(t, res.Message, "`count` failed")
	assert.Contains(t, res.Message, "nil map")
}

func TestHandleText_InvalidParameters(t *testing.T) {
	f := newFixture(t)
	f.parser.intent = &nlp.Intent{Action: "count-domains", Parameters: map[string]string{}, Confidence: 0.9}

	res := f.d.HandleText(context.Background(), "how many domains", alice, "")
	assert.Equal(t, actions.StatusError, res.Status)
	assert.Contains(t, res.Message, "role")
	assert.Contains(t, res.Message, "Usage: `count-domains role=<string>`")
	assert.Empty(t, f.handler.requests)
}

func TestConfirmationFlow_Approve(t *testing.T) {
	f := newFixture(t)
	f.parser.intent = &nlp.Intent{Action: "create", Parameters: map[string]string{"role": "mim", "domain": "lolxp"}, Confidence: 0.9}

	res := f.d.HandleText(context.Background(), "create inventory for mim in lolxp", alice, "!room")
	require.Equal(t, actions.StatusNeedsConfirmation, res.Status)
	token, _ := res.Data["token"].(string)
	require.NotEmpty(t, token)
	assert.Contains(t, res.Message, "confirm "+token)
	assert.Contains(t, res.Message, "cancel "+token)
	assert.Equal(t, "mim-lolxp", res.Params["inventory_name"])
	assert.Equal(t, 0, f.handler.executed)

	pending, ok := f.confirms.Get(token)
	require.True(t, ok)
	assert.Equal(t, "mim-lolxp", pending.Params["inventory_name"], "the handler's proposed parameters are stored")
	assert.Equal(t, "!room", pending.ChannelID)

	done := f.d.HandleCallback(context.Background(), token, alice, true)
	assert.Equal(t, actions.StatusSuccess, done.Status)
	assert.Equal(t, "Inventory mim-lolxp created", done.Message)
	assert.Equal(t, 1, f.handler.executed)

	last := f.handler.requests[len(f.handler.requests)-1]
	assert.True(t, last.Confirmed)
	assert.Equal(t, alice, last.RequesterID)

	again := f.d.HandleCallback(context.Background(), token, alice, true)
	assert.Equal(t, actions.StatusError, again.Status)
	assert.Contains(t, again.Message, "no longer valid")
	assert.Equal(t, 1, f.handler.executed, "a token executes at most once")

	assert.Contains(t, f.notifier.kinds, audit.KindConfirmationRequested)
	assert.Contains(t, f.notifier.kinds, audit.KindConfirmationApproved)
	assert.Contains(t, f.notifier.kinds, audit.KindActionExecuted)
}

func TestConfirmationFlow_PromptShowsManagerLifetime(t *testing.T) {
	f := newFixtureWith(t, confirm.Config{TTL: 10 * time.Minute})
	f.parser.intent = &nlp.Intent{Action: "create", Parameters: map[string]string{"role": "mim"}, Confidence: 0.9}

	res := f.d.HandleText(context.Background(), "create inventory for mim", alice, "")
	require.Equal(t, actions.StatusNeedsConfirmation, res.Status)
	assert.Contains(t, res.Message, "expires in 10m0s")
	assert.Equal(t, "10m0s", res.Data["expires_in"])
	assert.Equal(t, 10*time.Minute, res.TTL)

	token, _ := res.Data["token"].(string)
	pending, ok := f.confirms.Get(token)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), pending.ExpiresAt, 2*time.Second)
}

func TestConfirmationFlow_Deny(t *testing.T) {
	f := newFixture(t)
	res := f.d.Execute(context.Background(), "create", map[string]string{"role": "ts"}, alice, "")
	require.Equal(t, actions.StatusNeedsConfirmation, res.Status)
	token := res.Data["token"].(string)

	denied := f.d.HandleCallback(context.Background(), token, alice, false)
	assert.Equal(t, actions.StatusSuccess, denied.Status)
	assert.Contains(t, denied.Message, "Cancelled `create`")
	assert.Equal(t, 0, f.handler.executed)

	approve := f.d.HandleCallback(context.Background(), token, alice, true)
	assert.Equal(t, actions.StatusError, approve.Status)
	assert.Contains(t, f.notifier.kinds, audit.KindConfirmationDenied)
}

func TestConfirmationFlow_ForeignApprover(t *testing.T) {
	f := newFixture(t)
	res := f.d.Execute(context.Background(), "create", map[string]string{"role": "ts"}, alice, "")
	token := res.Data["token"].(string)

	got := f.d.HandleCallback(context.Background(), token, bob, true)
	assert.Equal(t, actions.StatusError, got.Status)
	assert.Contains(t, got.Message, "someone else")
	assert.Equal(t, 0, f.handler.executed)

	// The owner can still use it.
	got = f.d.HandleCallback(context.Background(), token, alice, true)
	assert.Equal(t, actions.StatusSuccess, got.Status)
}

func TestHandleCallback_UnknownToken(t *testing.T) {
	f := newFixture(t)
	got := f.d.HandleCallback(context.Background(), "not-a-token", alice, true)
	assert.Equal(t, actions.StatusError, got.Status)
	assert.Contains(t, got.Message, "unknown or already used")
}

func TestHandleCallback_ReconfirmIsRefused(t *testing.T) {
	f := newFixture(t)
	res := f.d.Execute(context.Background(), "create", map[string]string{"role": "ts"}, alice, "")
	token := res.Data["token"].(string)

	f.handler.reconfirm = true
	got := f.d.HandleCallback(context.Background(), token, alice, true)
	assert.Equal(t, actions.StatusError, got.Status)
	assert.Equal(t, 0, f.confirms.Len())
}

func TestExecute_HandlerErrorBecomesResult(t *testing.T) {
	f := newFixture(t)
	f.handler.failWith = errors.New("awx: 502 bad gateway")

	res := f.d.Execute(context.Background(), "count", nil, alice, "")
	assert.Equal(t, actions.StatusError, res.Status)
	assert.Contains(t, res.Message, "502 bad gateway")
	assert.Equal(t, "error", f.audit.last().result)
}

func TestExecute_UnknownAndHelp(t *testing.T) {
	f := newFixture(t)

	res := f.d.Execute(context.Background(), "nope", nil, alice, "")
	assert.Equal(t, actions.StatusError, res.Status)

	res = f.d.Execute(context.Background(), "help", nil, alice, "")
	assert.Equal(t, actions.StatusSuccess, res.Status)
	assert.True(t, strings.HasPrefix(res.Message, "Available actions"))
}

func TestHandleFilter(t *testing.T) {
	f := newFixture(t)

	res := f.d.HandleFilter(context.Background(), "count", resolver.Filter{Role: "mim", Domain: "lolxp"}, nil, alice, "")
	require.Equal(t, actions.StatusSuccess, res.Status)
	last := f.handler.requests[len(f.handler.requests)-1]
	assert.Equal(t, map[string]string{"role": "mim", "domain": "lolxp"}, last.Params)

	res = f.d.HandleFilter(context.Background(), "create", resolver.Filter{WantsAll: true}, map[string]string{"inventory_name": "central inventory"}, alice, "")
	require.Equal(t, actions.StatusNeedsConfirmation, res.Status)
	last = f.handler.requests[len(f.handler.requests)-1]
	assert.Equal(t, "true", last.Params["all"])
	assert.Equal(t, "central inventory", last.Params["inventory_name"])

	// "count" does not declare "all", so WantsAll is not forwarded.
	f.d.HandleFilter(context.Background(), "count", resolver.Filter{WantsAll: true}, nil, alice, "")
	last = f.handler.requests[len(f.handler.requests)-1]
	assert.Empty(t, last.Params)
}

func TestConcurrentRequestsAreIsolated(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	tokens := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := f.d.Execute(context.Background(), "create", map[string]string{"role": fmt.Sprintf("r%d", i)}, alice, "")
			if tok, ok := res.Data["token"].(string); ok {
				tokens <- tok
			}
		}(i)
	}
	wg.Wait()
	close(tokens)

	seen := map[string]bool{}
	for tok := range tokens {
		assert.False(t, seen[tok], "duplicate token")
		seen[tok] = true
	}
	assert.Len(t, seen, 20)
	assert.Equal(t, 20, f.confirms.Len())
}
