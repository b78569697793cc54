package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kanri/common/trace"
	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/matrix"
	"github.com/bdobrica/Kanri/internal/kanri/store"
)

// CommandPrefix starts a deterministic command that skips the intent parser.
const CommandPrefix = "!kanri"

// Reaction keys that answer a confirmation prompt.
const (
	ReactApprove = "✅"
	ReactDeny    = "❌"
)

const (
	defaultAuditLimit = 10
	maxAuditLimit     = 50

	// DefaultBotConcurrency bounds the chat events handled at once.
	DefaultBotConcurrency = 8
)

// Chat is the transport the bot replies through.
type Chat interface {
	Send(ctx context.Context, roomID, markdown string) (string, error)
	Reply(ctx context.Context, roomID, eventID, markdown string) (string, error)
	React(ctx context.Context, roomID, eventID, key string) error
}

// Dispatcher is the subset of dispatch.Dispatcher the bot drives.
type Dispatcher interface {
	Help() string
	HandleText(ctx context.Context, text, requester, channel string) actions.Result
	Execute(ctx context.Context, action string, params map[string]string, requester, channel string) actions.Result
	HandleCallback(ctx context.Context, token, approver string, approved bool) actions.Result
}

// AuditReader backs the audit and trace commands.
type AuditReader interface {
	GetAuditLog(ctx context.Context, limit int) ([]*store.AuditEntry, error)
	GetAuditByTrace(ctx context.Context, traceID string) ([]*store.AuditEntry, error)
}

// PromptStore persists which chat event carries which confirmation prompt.
type PromptStore interface {
	SavePrompt(ctx context.Context, eventID, token string, expiresAt time.Time) error
	LookupPrompt(ctx context.Context, eventID string) (token string, expiresAt time.Time, ok bool, err error)
	DeletePrompts(ctx context.Context, token string, now time.Time) error
}

// BotConfig wires a Bot.  Chat and Dispatcher are required.
type BotConfig struct {
	Chat       Chat
	Dispatcher Dispatcher
	Audit      AuditReader
	// Prompts keeps reactions to prompts working across restarts.  Optional.
	Prompts PromptStore
	// AdminSenders, when non-empty, is the only set of users served.
	AdminSenders []string
	// MaxConcurrent defaults to DefaultBotConcurrency.
	MaxConcurrent int
}

// Bot turns chat events into dispatcher calls.
type Bot struct {
	chat       Chat
	dispatcher Dispatcher
	audit      AuditReader
	store      PromptStore
	allowed    map[string]bool

	handlers errgroup.Group

	mu      sync.Mutex
	prompts map[string]prompt // by prompt event ID
	now     func() time.Time
}

type prompt struct {
	token   string
	expires time.Time
}

// NewBot returns a Bot.
func NewBot(cfg BotConfig) *Bot {
	allowed := make(map[string]bool, len(cfg.AdminSenders))
	for _, s := range cfg.AdminSenders {
		if s = strings.TrimSpace(s); s != "" {
			allowed[s] = true
		}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultBotConcurrency
	}
	b := &Bot{
		chat:       cfg.Chat,
		dispatcher: cfg.Dispatcher,
		audit:      cfg.Audit,
		store:      cfg.Prompts,
		allowed:    allowed,
		prompts:    make(map[string]prompt),
		now:        time.Now,
	}
	b.handlers.SetLimit(cfg.MaxConcurrent)
	return b
}

// Handlers returns the Matrix callbacks.  Each event is handled on its own
// goroutine, at most MaxConcurrent at once; the sync loop blocks only while
// every slot is taken.
func (b *Bot) Handlers() matrix.Handlers {
	return matrix.Handlers{
		Message: func(ctx context.Context, msg matrix.Message) {
			b.spawn(ctx, func(ctx context.Context) { b.HandleMessage(ctx, msg) })
		},
		Reaction: func(ctx context.Context, r matrix.Reaction) {
			b.spawn(ctx, func(ctx context.Context) { b.HandleReaction(ctx, r) })
		},
	}
}

func (b *Bot) spawn(ctx context.Context, fn func(context.Context)) {
	if ctx.Err() != nil {
		return
	}
	b.handlers.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("bot: event handler panicked", "panic", r)
			}
		}()
		fn(ctx)
		return nil
	})
}

// Wait blocks until every event handed out by Handlers has been handled.
func (b *Bot) Wait() { _ = b.handlers.Wait() }

func (b *Bot) permitted(sender string) bool {
	return len(b.allowed) == 0 || b.allowed[sender]
}

// HandleMessage answers one chat message.
func (b *Bot) HandleMessage(ctx context.Context, msg matrix.Message) {
	if !b.permitted(msg.Sender) {
		slog.Debug("bot: ignoring sender not on the allowlist", "sender", msg.Sender)
		return
	}
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := trace.Logger(ctx)
	log.Info("bot: message", "sender", msg.Sender, "room", msg.RoomID)

	res, ok := b.route(ctx, msg)
	if !ok {
		return
	}
	b.respond(ctx, msg.RoomID, msg.EventID, res)
}

// HandleReaction treats ✅ and ❌ on a confirmation prompt as an answer.
func (b *Bot) HandleReaction(ctx context.Context, r matrix.Reaction) {
	if !b.permitted(r.Sender) {
		return
	}
	var approved bool
	switch strings.TrimSuffix(r.Key, "\ufe0f") {
	case ReactApprove, "👍":
		approved = true
	case ReactDeny, "👎":
	default:
		return
	}
	token, ok := b.lookup(ctx, r.Target)
	if !ok {
		return
	}
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	trace.Logger(ctx).Info("bot: reaction on prompt", "sender", r.Sender, "approved", approved)

	res := b.callback(ctx, token, r.Sender, approved)
	b.respond(ctx, r.RoomID, r.Target, res)
}

// route maps text to a result.  ok is false for messages the bot ignores.
func (b *Bot) route(ctx context.Context, msg matrix.Message) (res actions.Result, ok bool) {
	text := strings.TrimSpace(msg.Body)
	if text == "" {
		return actions.Result{}, false
	}
	fields := strings.Fields(text)
	verb := strings.ToLower(fields[0])

	if approved, isAnswer := answer(verb); isAnswer {
		switch {
		case len(fields) == 2 && takesToken(verb):
			return b.callback(ctx, fields[1], msg.Sender, approved), true
		case len(fields) == 1 && msg.ReplyTo != "":
			token, found := b.lookup(ctx, msg.ReplyTo)
			if !found {
				return actions.Errorf("That confirmation is no longer pending."), true
			}
			return b.callback(ctx, token, msg.Sender, approved), true
		case len(fields) == 1:
			return actions.Errorf("Reply to the confirmation message, or use `confirm <token>` / `cancel <token>`."), true
		}
	}

	if verb == CommandPrefix {
		return b.command(ctx, msg, strings.TrimSpace(text[len(fields[0]):])), true
	}
	if verb == "help" && len(fields) == 1 {
		return actions.Success(b.dispatcher.Help(), nil), true
	}
	return b.dispatcher.HandleText(ctx, text, msg.Sender, msg.RoomID), true
}

// answer classifies the first word of a confirmation reply.
func answer(verb string) (approved, ok bool) {
	switch verb {
	case "confirm", "approve", "yes", "y":
		return true, true
	case "cancel", "deny", "no", "n":
		return false, true
	}
	return false, false
}

func takesToken(verb string) bool {
	return verb == "confirm" || verb == "cancel" || verb == "approve" || verb == "deny"
}

// command runs "!kanri <action> key=value ...".
func (b *Bot) command(ctx context.Context, msg matrix.Message, rest string) actions.Result {
	args, err := splitArgs(rest)
	if err != nil {
		return actions.Errorf("❌ %v", err)
	}
	if len(args) == 0 || args[0] == "help" {
		return actions.Success(b.dispatcher.Help(), nil)
	}

	switch args[0] {
	case "audit":
		limit := defaultAuditLimit
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return actions.Errorf("Usage: `%s audit [n]`", CommandPrefix)
			}
			limit = min(n, maxAuditLimit)
		}
		return b.auditLog(ctx, limit)
	case "trace":
		if len(args) != 2 {
			return actions.Errorf("Usage: `%s trace <trace-id>`", CommandPrefix)
		}
		return b.traceLog(ctx, args[1])
	}

	params := make(map[string]string, len(args)-1)
	for _, a := range args[1:] {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return actions.Errorf("❌ Arguments must be `key=value`, got `%s`.", a)
		}
		params[k] = v
	}
	return b.dispatcher.Execute(ctx, args[0], params, msg.Sender, msg.RoomID)
}

func (b *Bot) callback(ctx context.Context, token, approver string, approved bool) actions.Result {
	res := b.dispatcher.HandleCallback(ctx, token, approver, approved)
	if res.Status != actions.StatusError {
		b.forget(ctx, token)
	}
	return res
}

// respond replies to eventID and, for a confirmation prompt, remembers the
// reply so answers to it resolve the token.
func (b *Bot) respond(ctx context.Context, roomID, eventID string, res actions.Result) {
	log := trace.Logger(ctx)
	if res.Message == "" {
		return
	}
	replyID, err := b.chat.Reply(ctx, roomID, eventID, res.Message)
	if err != nil {
		log.Error("bot: failed to send reply", "room", roomID, "err", err)
		return
	}
	if res.Status != actions.StatusNeedsConfirmation {
		return
	}
	token, _ := res.Data["token"].(string)
	if token == "" {
		return
	}
	b.remember(ctx, replyID, token, res.TTL)
	for _, key := range []string{ReactApprove, ReactDeny} {
		if err := b.chat.React(ctx, roomID, replyID, key); err != nil {
			log.Warn("bot: failed to add reaction", "key", key, "err", err)
		}
	}
}

func (b *Bot) remember(ctx context.Context, eventID, token string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	b.mu.Lock()
	now := b.now()
	for id, p := range b.prompts {
		if now.After(p.expires) {
			delete(b.prompts, id)
		}
	}
	expires := now.Add(ttl)
	b.prompts[eventID] = prompt{token: token, expires: expires}
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.SavePrompt(ctx, eventID, token, expires); err != nil {
			trace.Logger(ctx).Warn("bot: failed to persist prompt", "event", eventID, "err", err)
		}
	}
}

// lookup finds the token behind a prompt event, in memory first and then in
// the prompt store for prompts sent before a restart.
func (b *Bot) lookup(ctx context.Context, eventID string) (string, bool) {
	b.mu.Lock()
	p, ok := b.prompts[eventID]
	if ok && b.now().After(p.expires) {
		delete(b.prompts, eventID)
		ok = false
	}
	b.mu.Unlock()
	if ok {
		return p.token, true
	}
	if b.store == nil {
		return "", false
	}

	token, expires, found, err := b.store.LookupPrompt(ctx, eventID)
	if err != nil {
		trace.Logger(ctx).Warn("bot: prompt lookup failed", "event", eventID, "err", err)
		return "", false
	}
	if !found || b.now().After(expires) {
		return "", false
	}
	b.mu.Lock()
	b.prompts[eventID] = prompt{token: token, expires: expires}
	b.mu.Unlock()
	return token, true
}

func (b *Bot) forget(ctx context.Context, token string) {
	b.mu.Lock()
	for id, p := range b.prompts {
		if p.token == token {
			delete(b.prompts, id)
		}
	}
	now := b.now()
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.DeletePrompts(ctx, token, now); err != nil {
			trace.Logger(ctx).Warn("bot: failed to delete prompts", "token", token, "err", err)
		}
	}
}

func (b *Bot) auditLog(ctx context.Context, limit int) actions.Result {
	if b.audit == nil {
		return actions.Errorf("The audit log is not available.")
	}
	entries, err := b.audit.GetAuditLog(ctx, limit)
	if err != nil {
		return actions.Errorf("❌ Could not read the audit log: %v", err)
	}
	if len(entries) == 0 {
		return actions.Success("The audit log is empty.", nil)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Audit log** (last %d)\n", len(entries))
	for _, e := range entries {
		sb.WriteString(auditLine(e, true))
	}
	return actions.Success(strings.TrimRight(sb.String(), "\n"), map[string]any{"count": len(entries)})
}

func (b *Bot) traceLog(ctx context.Context, traceID string) actions.Result {
	if b.audit == nil {
		return actions.Errorf("The audit log is not available.")
	}
	entries, err := b.audit.GetAuditByTrace(ctx, traceID)
	if err != nil {
		return actions.Errorf("❌ Could not read the audit log: %v", err)
	}
	if len(entries) == 0 {
		return actions.Errorf("No audit entries for trace `%s`.", traceID)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Trace** `%s`\n", traceID)
	for _, e := range entries {
		sb.WriteString(auditLine(e, false))
		if e.ErrorMessage.Valid && e.ErrorMessage.String != "" {
			fmt.Fprintf(&sb, "  error: %s\n", e.ErrorMessage.String)
		}
	}
	return actions.Success(strings.TrimRight(sb.String(), "\n"), map[string]any{"count": len(entries)})
}

func auditLine(e *store.AuditEntry, withTrace bool) string {
	var sb strings.Builder
	sb.WriteString("• ")
	sb.WriteString(e.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	if withTrace {
		fmt.Fprintf(&sb, " `%s`", e.TraceID)
	}
	fmt.Fprintf(&sb, " %s `%s`", e.Actor, e.Action)
	if e.Target.Valid && e.Target.String != "" {
		fmt.Fprintf(&sb, " %s", e.Target.String)
	}
	fmt.Fprintf(&sb, " → %s\n", e.Result)
	return sb.String()
}

// splitArgs splits on whitespace.  A single or double quote at the start
// of an argument or right after "=" groups text up to the matching quote.
func splitArgs(s string) ([]string, error) {
	var (
		out     []string
		cur     strings.Builder
		quote   rune
		prev    rune
		started bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case (r == '"' || r == '\'') && (!started || prev == '='):
			quote = r
			started = true
		case unicode.IsSpace(r):
			if started {
				out = append(out, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
		prev = r
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	if started {
		out = append(out, cur.String())
	}
	return out, nil
}
