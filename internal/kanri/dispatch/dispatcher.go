// Package dispatch glues the intent parser, the action registry and the
// confirmation manager together.
//
// Three entry points exist: HandleText for free-form chat text, Execute and
// HandleFilter for deterministic callers (chat commands, the CLI, the MCP
// surface), and HandleCallback for confirmation replies.  Every terminal
// outcome is written to the audit log tagged with the request's trace ID.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/Kanri/common/redact"
	"github.com/bdobrica/Kanri/common/trace"
	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/audit"
	"github.com/bdobrica/Kanri/internal/kanri/confirm"
	"github.com/bdobrica/Kanri/internal/kanri/nlp"
	"github.com/bdobrica/Kanri/internal/kanri/resolver"
	"github.com/bdobrica/Kanri/internal/kanri/vocabulary"
)

// DefaultMinConfidence is the intent confidence below which the dispatcher
// answers with help instead of acting.
const DefaultMinConfidence = 0.5

// Vocabulary is what the dispatcher reads from the discovered vocabulary.
type Vocabulary interface {
	ListRoles() []vocabulary.Entry
	ListDomains() []vocabulary.Entry
}

// AuditLog persists terminal outcomes.
type AuditLog interface {
	WriteAudit(ctx context.Context, traceID, actor, action, target, result string, payload map[string]any, errMsg string) error
}

// Config wires a Dispatcher.  Registry, Confirmations and Parser are
// required.
type Config struct {
	Registry      *actions.Registry
	Confirmations *confirm.Manager
	Parser        nlp.Provider
	Vocabulary    Vocabulary
	Audit         AuditLog
	Notifier      audit.Notifier

	// ConfirmTTL is passed to Create when the handler does not set one.
	ConfirmTTL time.Duration
	// MinConfidence defaults to DefaultMinConfidence.
	MinConfidence float64
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	registry  *actions.Registry
	confirms  *confirm.Manager
	parser    nlp.Provider
	vocab     Vocabulary
	audit     AuditLog
	notifier  audit.Notifier
	ttl       time.Duration
	threshold float64
}

// New validates cfg and returns a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("dispatch: registry is required")
	case cfg.Confirmations == nil:
		return nil, errors.New("dispatch: confirmation manager is required")
	case cfg.Parser == nil:
		return nil, errors.New("dispatch: intent parser is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = audit.Noop{}
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		confirms:  cfg.Confirmations,
		parser:    cfg.Parser,
		vocab:     cfg.Vocabulary,
		audit:     cfg.Audit,
		notifier:  cfg.Notifier,
		ttl:       cfg.ConfirmTTL,
		threshold: cfg.MinConfidence,
	}, nil
}

// Help renders the current advertisement for users.
func (d *Dispatcher) Help() string {
	return d.registry.Catalogue().Help()
}

// HandleText parses free-form text into an action and runs it.
func (d *Dispatcher) HandleText(ctx context.Context, text, requester, channel string) actions.Result {
	ctx, traceID := trace.Ensure(ctx)
	log := trace.Logger(ctx)

	req := nlp.ClassifyRequest{
		Message:   text,
		Catalogue: d.registry.Catalogue().String(),
		SenderID:  requester,
	}
	if d.vocab != nil {
		req.Roles = entryNames(d.vocab.ListRoles())
		req.Domains = entryNames(d.vocab.ListDomains())
	}

	intent, err := d.classify(ctx, req)
	if err != nil {
		log.Warn("intent parsing failed", "requester", requester, "err", err)
		res := actions.Result{Status: actions.StatusError, Message: parseErrorMessage(err)}
		d.record(ctx, traceID, requester, "parse", "", res, map[string]any{"text": text}, err.Error())
		return res
	}

	log.Info("intent parsed",
		"requester", requester,
		"handler", intent.Handler,
		"action", intent.Action,
		"confidence", intent.Confidence,
	)

	action := strings.TrimSpace(intent.Action)
	if _, known := d.registry.Descriptor(action); !known || action == "help" || intent.Confidence < d.threshold {
		msg := d.Help()
		if action != "" && action != "help" && intent.Confidence >= d.threshold {
			msg = fmt.Sprintf("I don't know how to %q.\n\n%s", action, msg)
		} else if action != "help" && intent.Explanation != "" {
			msg = fmt.Sprintf("I'm not sure what you meant (%s).\n\n%s", intent.Explanation, msg)
		}
		res := actions.Result{Status: actions.StatusError, Message: msg}
		d.record(ctx, traceID, requester, "help", "", res, map[string]any{"text": text, "action": action, "confidence": intent.Confidence}, "")
		return res
	}

	return d.run(ctx, action, intent.Parameters, requester, channel, "text")
}

// Execute runs a known action with explicit parameters, skipping the intent
// parser.  It backs `!kanri <action>`, the CLI and the MCP surface.
func (d *Dispatcher) Execute(ctx context.Context, action string, params map[string]string, requester, channel string) actions.Result {
	ctx, _ = trace.Ensure(ctx)
	if action == "" || action == "help" {
		return actions.Success(d.Help(), nil)
	}
	if _, ok := d.registry.Descriptor(action); !ok {
		res := actions.Errorf("Unknown action %q.\n\n%s", action, d.Help())
		d.record(ctx, trace.FromContext(ctx), requester, action, "", res, nil, actions.ErrUnknownAction.Error())
		return res
	}
	return d.run(ctx, action, params, requester, channel, "command")
}

// HandleFilter runs action with parameters taken from an already resolved
// filter.  Only parameters the action declares are passed on; WantsAll maps
// to the boolean "all" parameter when the action has one.
func (d *Dispatcher) HandleFilter(ctx context.Context, action string, f resolver.Filter, extra map[string]string, requester, channel string) actions.Result {
	desc, ok := d.registry.Descriptor(action)
	if !ok {
		return d.Execute(ctx, action, nil, requester, channel)
	}
	declared := make(map[string]bool, len(desc.Parameters))
	for _, p := range desc.Parameters {
		declared[p.Name] = true
	}

	params := make(map[string]string, len(extra)+3)
	for k, v := range extra {
		params[k] = v
	}
	if f.Role != "" && declared["role"] {
		params["role"] = f.Role
	}
	if f.Domain != "" && declared["domain"] {
		params["domain"] = f.Domain
	}
	if f.WantsAll && declared["all"] {
		params["all"] = "true"
	}
	return d.Execute(ctx, action, params, requester, channel)
}

// HandleCallback resolves a confirmation token.  It never panics and always
// returns a user-presentable Result.
func (d *Dispatcher) HandleCallback(ctx context.Context, token, approver string, approved bool) actions.Result {
	ctx, traceID := trace.Ensure(ctx)
	log := trace.Logger(ctx)
	token = strings.TrimSpace(token)

	if !approved {
		p, err := d.confirms.Deny(ctx, token, approver)
		if err != nil {
			res := actions.Result{Status: actions.StatusError, Message: invalidTokenMessage(err)}
			d.record(ctx, traceID, approver, "confirm.deny", token, res, nil, err.Error())
			return res
		}
		log.Info("confirmation denied", "token", token, "action", p.Action, "approver", approver)
		d.notifier.Notify(ctx, audit.Event{
			Kind: audit.KindConfirmationDenied, Actor: approver, Target: p.Action,
			Message: "cancelled " + describeParams(p.Params),
		})
		res := actions.Success(fmt.Sprintf("❌ Cancelled `%s`. Nothing was changed.", p.Action), map[string]any{"token": token, "action": p.Action})
		d.record(ctx, traceID, approver, p.Action, describeParams(p.Params), res, redact.Params(p.Params), "")
		return res
	}

	p, err := d.confirms.Approve(ctx, token, approver)
	if err != nil {
		res := actions.Result{Status: actions.StatusError, Message: invalidTokenMessage(err)}
		d.record(ctx, traceID, approver, "confirm.approve", token, res, nil, err.Error())
		return res
	}
	log.Info("confirmation approved", "token", token, "action", p.Action, "approver", approver)
	d.notifier.Notify(ctx, audit.Event{
		Kind: audit.KindConfirmationApproved, Actor: approver, Target: p.Action,
		Message: "approved " + describeParams(p.Params),
	})

	res, err := d.dispatch(ctx, actions.Request{
		Action:      p.Action,
		Params:      p.Params,
		RequesterID: p.RequesterID,
		ChannelID:   p.ChannelID,
		Confirmed:   true,
	})
	res = d.normalise(ctx, p.Action, res, err)
	if res.Status == actions.StatusNeedsConfirmation {
		log.Error("handler asked for confirmation of a confirmed request", "action", p.Action)
		res = actions.Errorf("`%s` asked for confirmation again; giving up.", p.Action)
	}
	evt := audit.Event{Kind: audit.KindActionExecuted, Actor: approver, Target: p.Action, Message: firstLine(res.Message)}
	if res.Status == actions.StatusError {
		evt.Kind = audit.KindError
	}
	d.notifier.Notify(ctx, evt)
	d.record(ctx, traceID, approver, p.Action, describeParams(p.Params), res, redact.Params(p.Params), errString(err))
	return res
}

// run validates, dispatches and, when the handler asks for it, creates the
// pending confirmation.
func (d *Dispatcher) run(ctx context.Context, action string, params map[string]string, requester, channel, source string) actions.Result {
	traceID := trace.FromContext(ctx)
	log := trace.Logger(ctx)
	if params == nil {
		params = map[string]string{}
	}
	payload := redact.Params(params)
	payload["source"] = source

	desc, _ := d.registry.Descriptor(action)
	if err := d.registry.Validate(action, params); err != nil {
		res := actions.Errorf("❌ `%s`: %s\nUsage: `%s`", action, err.Error(), desc.Usage())
		d.record(ctx, traceID, requester, action, describeParams(params), res, payload, err.Error())
		return res
	}

	start := time.Now()
	res, err := d.dispatch(ctx, actions.Request{
		Action:      action,
		Params:      params,
		RequesterID: requester,
		ChannelID:   channel,
	})
	res = d.normalise(ctx, action, res, err)
	log.Info("action dispatched", "action", action, "status", res.Status, "duration", time.Since(start))

	if res.Status != actions.StatusNeedsConfirmation {
		d.record(ctx, traceID, requester, action, describeParams(params), res, payload, errString(err))
		return res
	}

	proposed := res.Params
	if proposed == nil {
		proposed = params
	}
	ttl := res.TTL
	if ttl <= 0 {
		ttl = d.ttl
	}
	token, expiresAt, cerr := d.confirms.Create(ctx, action, proposed, requester, channel, ttl)
	if cerr != nil {
		log.Error("failed to create confirmation", "action", action, "err", cerr)
		res = actions.Errorf("Could not record the confirmation for `%s`; nothing was changed.", action)
		d.record(ctx, traceID, requester, action, describeParams(params), res, payload, cerr.Error())
		return res
	}
	ttl = time.Until(expiresAt).Round(time.Second)

	prompt := res.Prompt
	if prompt == "" {
		prompt = res.Message
	}
	if prompt == "" {
		prompt = fmt.Sprintf("Run `%s` with %s?", action, describeParams(proposed))
	}
	res.Prompt = prompt
	res.Params = proposed
	res.TTL = ttl
	res.Message = fmt.Sprintf("%s\n\nReply `confirm %s` to proceed or `cancel %s` to abort (expires in %s).",
		prompt, token, token, ttl.Round(time.Second))
	if res.Data == nil {
		res.Data = map[string]any{}
	}
	res.Data["token"] = token
	res.Data["expires_in"] = ttl.String()

	d.notifier.Notify(ctx, audit.Event{
		Kind: audit.KindConfirmationRequested, Actor: requester, Target: action,
		Message: prompt,
	})
	d.record(ctx, traceID, requester, action, describeParams(proposed), res, payload, "")
	return res
}

// normalise turns a handler error into an ERROR result.
func (d *Dispatcher) normalise(ctx context.Context, action string, res actions.Result, err error) actions.Result {
	if err == nil {
		if res.Status == "" {
			res.Status = actions.StatusSuccess
		}
		return res
	}
	trace.Logger(ctx).Error("handler failed", "action", action, "err", err)
	if errors.Is(err, actions.ErrUnknownAction) {
		return actions.Errorf("Unknown action %q.\n\n%s", action, d.Help())
	}
	return actions.Errorf("❌ `%s` failed: %s", action, redact.String(err.Error()))
}

func (d *Dispatcher) record(ctx context.Context, traceID, actor, action, target string, res actions.Result, payload map[string]any, errMsg string) {
	if d.audit == nil {
		return
	}
	if errMsg == "" && res.Status == actions.StatusError {
		errMsg = firstLine(res.Message)
	}
	if err := d.audit.WriteAudit(ctx, traceID, actor, action, target, strings.ToLower(string(res.Status)), payload, redact.String(errMsg)); err != nil {
		slog.Warn("failed to write audit log", "trace", traceID, "action", action, "err", err)
	}
}

// classify calls the parser, turning a panic into ErrMalformedOutput so one
// odd message cannot take the process down.
func (d *Dispatcher) classify(ctx context.Context, req nlp.ClassifyRequest) (intent *nlp.Intent, err error) {
	defer func() {
		if r := recover(); r != nil {
			trace.Logger(ctx).Error("intent parser panicked", "panic", r)
			intent, err = nil, fmt.Errorf("%w: parser panic: %v", nlp.ErrMalformedOutput, r)
		}
	}()
	return d.parser.Classify(ctx, req)
}

// dispatch runs a handler and reports a panic as an error.
func (d *Dispatcher) dispatch(ctx context.Context, req actions.Request) (res actions.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			trace.Logger(ctx).Error("handler panicked", "action", req.Action, "panic", r)
			res, err = actions.Result{}, fmt.Errorf("%s panicked: %v", req.Action, r)
		}
	}()
	return d.registry.Dispatch(ctx, req)
}

func parseErrorMessage(err error) string {
	switch {
	case errors.Is(err, nlp.ErrSenderLimit):
		return nlp.RateLimitMessage
	case errors.Is(err, nlp.ErrRateLimit):
		return nlp.APIRateLimitMessage
	case errors.Is(err, nlp.ErrMalformedOutput):
		return nlp.MalformedOutputMessage
	}
	return nlp.UnavailableMessage
}

func invalidTokenMessage(err error) string {
	reason := "unknown or already used"
	switch {
	case errors.Is(err, confirm.ErrExpired):
		reason = "it expired"
	case errors.Is(err, confirm.ErrForbidden):
		reason = "it was requested by someone else"
	}
	return fmt.Sprintf("⚠️ This confirmation is no longer valid: %s.", reason)
}

func describeParams(params map[string]string) string {
	if len(params) == 0 {
		return "no parameters"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	safe := redact.Params(params)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, safe[k]))
	}
	return strings.Join(parts, " ")
}

func entryNames(entries []vocabulary.Entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
