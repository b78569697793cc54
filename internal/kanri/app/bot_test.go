package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/matrix"
	"github.com/bdobrica/Kanri/internal/kanri/store"
)

type sent struct {
	room, replyTo, body string
}

type fakeChat struct {
	mu        sync.Mutex
	sent      []sent
	reactions []string
	next      int
}

func (c *fakeChat) Send(_ context.Context, room, md string) (string, error) {
	return c.Reply(context.Background(), room, "", md)
}

func (c *fakeChat) Reply(_ context.Context, room, eventID, md string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{room, eventID, md})
	c.next++
	return fmt.Sprintf("$bot%d", c.next), nil
}

func (c *fakeChat) React(_ context.Context, _, eventID, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reactions = append(c.reactions, eventID+" "+key)
	return nil
}

func (c *fakeChat) last(t *testing.T) sent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent)
	return c.sent[len(c.sent)-1]
}

func (c *fakeChat) repliedTo(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sent {
		if s.replyTo == eventID {
			return true
		}
	}
	return false
}

type fakeDispatcher struct {
	texts     []string
	executed  []string
	params    []map[string]string
	callbacks []string
	text      actions.Result
}

func (d *fakeDispatcher) Help() string { return "Available actions:" }

func (d *fakeDispatcher) HandleText(_ context.Context, text, requester, _ string) actions.Result {
	d.texts = append(d.texts, requester+": "+text)
	return d.text
}

func (d *fakeDispatcher) Execute(_ context.Context, action string, params map[string]string, _, _ string) actions.Result {
	d.executed = append(d.executed, action)
	d.params = append(d.params, params)
	return actions.Success("ran "+action, nil)
}

func (d *fakeDispatcher) HandleCallback(_ context.Context, token, approver string, approved bool) actions.Result {
	d.callbacks = append(d.callbacks, fmt.Sprintf("%s %s %v", token, approver, approved))
	if token == "bad" {
		return actions.Errorf("no longer valid")
	}
	return actions.Success("done", nil)
}

type fakeAudit struct{ entries []*store.AuditEntry }

func (a *fakeAudit) GetAuditLog(_ context.Context, limit int) ([]*store.AuditEntry, error) {
	if limit < len(a.entries) {
		return a.entries[:limit], nil
	}
	return a.entries, nil
}

func (a *fakeAudit) GetAuditByTrace(_ context.Context, traceID string) ([]*store.AuditEntry, error) {
	var out []*store.AuditEntry
	for _, e := range a.entries {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	return out, nil
}

const (
	room  = "!ops:example.org"
	alice = "@alice:example.org"
)

func newTestBot(senders ...string) (*Bot, *fakeChat, *fakeDispatcher) {
	chat := &fakeChat{}
	d := &fakeDispatcher{text: actions.Success("**3** hosts", nil)}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBot(BotConfig{
		Chat:       chat,
		Dispatcher: d,
		Audit: &fakeAudit{entries: []*store.AuditEntry{
			{Timestamp: ts, TraceID: "t_1", Actor: alice, Action: "create", Target: sql.NullString{String: "role=mim", Valid: true}, Result: "success"},
			{Timestamp: ts, TraceID: "t_2", Actor: alice, Action: "sync", Result: "error", ErrorMessage: sql.NullString{String: "AWX down", Valid: true}},
		}},
		AdminSenders: senders,
	})
	return b, chat, d
}

func say(b *Bot, body string) {
	b.HandleMessage(context.Background(), matrix.Message{RoomID: room, EventID: "$user", Sender: alice, Body: body})
}

func TestBotFreeTextGoesToParser(t *testing.T) {
	b, chat, d := newTestBot()
	say(b, "how many mim hosts in lolxp")

	assert.Equal(t, []string{alice + ": how many mim hosts in lolxp"}, d.texts)
	assert.Equal(t, sent{room, "$user", "**3** hosts"}, chat.last(t))
}

func TestBotAllowlist(t *testing.T) {
	b, chat, d := newTestBot("@bob:example.org")
	say(b, "count hosts")
	assert.Empty(t, d.texts)
	assert.Empty(t, chat.sent)
}

func TestBotCommands(t *testing.T) {
	b, chat, d := newTestBot()

	say(b, "help")
	assert.Equal(t, "Available actions:", chat.last(t).body)
	say(b, "!kanri")
	assert.Equal(t, "Available actions:", chat.last(t).body)

	say(b, `!kanri create role=mim domain=lolxp inventory_name="mim lolxp"`)
	assert.Equal(t, "ran create", chat.last(t).body)
	assert.Equal(t, map[string]string{"role": "mim", "domain": "lolxp", "inventory_name": "mim lolxp"}, d.params[0])

	say(b, `!kanri run-playbook playbook=ping inventory=x extra_vars={"a":1}`)
	assert.Equal(t, `{"a":1}`, d.params[1]["extra_vars"])

	say(b, "!kanri count mim")
	assert.Contains(t, chat.last(t).body, "key=value")
	assert.Len(t, d.executed, 2)
	assert.Empty(t, d.texts, "commands skip the parser")
}

func TestBotAuditCommands(t *testing.T) {
	b, chat, _ := newTestBot()

	say(b, "!kanri audit 1")
	body := chat.last(t).body
	assert.Contains(t, body, "**Audit log** (last 1)")
	assert.Contains(t, body, "2026-03-01 12:00:00 `t_1` @alice:example.org `create` role=mim → success")

	say(b, "!kanri audit zero")
	assert.Contains(t, chat.last(t).body, "Usage")

	say(b, "!kanri trace t_2")
	body = chat.last(t).body
	assert.Contains(t, body, "**Trace** `t_2`")
	assert.Contains(t, body, "error: AWX down")

	say(b, "!kanri trace t_404")
	assert.Contains(t, chat.last(t).body, "No audit entries")
}

func TestBotConfirmationFlow(t *testing.T) {
	b, chat, d := newTestBot()
	d.text = actions.Result{
		Status:  actions.StatusNeedsConfirmation,
		Message: "Create `mim-lolxp`?\n\nReply `confirm ab12` to proceed",
		Data:    map[string]any{"token": "ab12"},
		TTL:     time.Minute,
	}

	say(b, "create inventory for mim in lolxp")
	assert.Equal(t, []string{"$bot1 ✅", "$bot1 ❌"}, chat.reactions)

	// Reply "yes" to the prompt.
	b.HandleMessage(context.Background(), matrix.Message{RoomID: room, EventID: "$yes", Sender: alice, Body: "yes", ReplyTo: "$bot1"})
	assert.Equal(t, []string{"ab12 " + alice + " true"}, d.callbacks)
	assert.Equal(t, "done", chat.last(t).body)

	// The prompt is forgotten once resolved.
	b.HandleReaction(context.Background(), matrix.Reaction{RoomID: room, Sender: alice, Target: "$bot1", Key: "✅"})
	assert.Len(t, d.callbacks, 1)

	b.HandleMessage(context.Background(), matrix.Message{RoomID: room, Sender: alice, Body: "no", ReplyTo: "$bot1"})
	assert.Contains(t, chat.last(t).body, "no longer pending")
}

func TestBotReactions(t *testing.T) {
	b, chat, d := newTestBot()
	d.text = actions.Result{Status: actions.StatusNeedsConfirmation, Message: "Sync?", Data: map[string]any{"token": "cd34"}}
	say(b, "sync everything")

	b.HandleReaction(context.Background(), matrix.Reaction{RoomID: room, Sender: alice, Target: "$bot1", Key: "🎉"})
	assert.Empty(t, d.callbacks)

	b.HandleReaction(context.Background(), matrix.Reaction{RoomID: room, Sender: alice, Target: "$bot1", Key: "❌"})
	assert.Equal(t, []string{"cd34 " + alice + " false"}, d.callbacks)
	assert.Equal(t, sent{room, "$bot1", "done"}, chat.last(t))
}

func TestBotTokenCommands(t *testing.T) {
	b, chat, d := newTestBot()

	say(b, "confirm ab12")
	say(b, "CANCEL ef56")
	say(b, "confirm bad")
	assert.Equal(t, []string{"ab12 " + alice + " true", "ef56 " + alice + " false", "bad " + alice + " true"}, d.callbacks)
	assert.Equal(t, "no longer valid", chat.last(t).body)

	say(b, "yes")
	assert.Contains(t, chat.last(t).body, "Reply to the confirmation message")

	say(b, "no thanks")
	assert.Equal(t, []string{alice + ": no thanks"}, d.texts)
}

func TestPromptsExpire(t *testing.T) {
	b, _, _ := newTestBot()
	ctx := context.Background()
	now := time.Now()
	b.now = func() time.Time { return now }
	b.remember(ctx, "$p", "tok", time.Minute)

	got, ok := b.lookup(ctx, "$p")
	require.True(t, ok)
	assert.Equal(t, "tok", got)

	now = now.Add(2 * time.Minute)
	_, ok = b.lookup(ctx, "$p")
	assert.False(t, ok)
}

func TestPromptsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	st, err := store.New(filepath.Join(t.TempDir(), "kanri.db"))
	require.NoError(t, err)
	defer st.Close()

	chat := &fakeChat{}
	d := &fakeDispatcher{text: actions.NeedsConfirmation("Create `mim-lolxp`?", nil)}
	d.text.Data = map[string]any{"token": "tok1"}
	d.text.TTL = time.Hour
	first := NewBot(BotConfig{Chat: chat, Dispatcher: d, Prompts: st})
	say(first, "create inventory for mim in lolxp")
	promptID := fmt.Sprintf("$bot%d", chat.next)

	second := NewBot(BotConfig{Chat: chat, Dispatcher: d, Prompts: st})
	second.HandleReaction(ctx, matrix.Reaction{RoomID: room, Sender: alice, Target: promptID, Key: "✅"})
	require.Equal(t, []string{"tok1 " + alice + " true"}, d.callbacks)

	// Once approved, the prompt is gone from the store too.
	third := NewBot(BotConfig{Chat: chat, Dispatcher: d, Prompts: st})
	_, ok := third.lookup(ctx, promptID)
	assert.False(t, ok)
}

// blockingDispatcher holds every text request until release is closed.
type blockingDispatcher struct {
	fakeDispatcher
	started chan struct{}
	release chan struct{}
}

func (d *blockingDispatcher) HandleText(context.Context, string, string, string) actions.Result {
	d.started <- struct{}{}
	<-d.release
	return actions.Success("synced", nil)
}

func TestHandlersDoNotBlockOnSlowActions(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChat{}
	d := &blockingDispatcher{started: make(chan struct{}, 1), release: make(chan struct{})}
	b := NewBot(BotConfig{Chat: chat, Dispatcher: d, MaxConcurrent: 2})
	h := b.Handlers()

	h.Message(ctx, matrix.Message{RoomID: room, EventID: "$slow", Sender: alice, Body: "sync everything"})
	<-d.started

	h.Message(ctx, matrix.Message{RoomID: room, EventID: "$help", Sender: alice, Body: "help"})
	require.Eventually(t, func() bool { return chat.repliedTo("$help") }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, chat.repliedTo("$slow"))

	close(d.release)
	b.Wait()
	assert.True(t, chat.repliedTo("$slow"))
}

func TestHandlersRecoverPanics(t *testing.T) {
	b := NewBot(BotConfig{Chat: &fakeChat{}, Dispatcher: &panickingDispatcher{}})
	b.Handlers().Message(context.Background(), matrix.Message{RoomID: room, EventID: "$x", Sender: alice, Body: "boom"})
	b.Wait()
}

type panickingDispatcher struct{ fakeDispatcher }

func (panickingDispatcher) HandleText(context.Context, string, string, string) actions.Result {
	panic("boom")
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"count role=mim", []string{"count", "role=mim"}},
		{`name="central inventory"  all=true`, []string{"name=central inventory", "all=true"}},
		{`extra_vars='{"a": 1}'`, []string{`extra_vars={"a": 1}`}},
		{`"quoted word"`, []string{"quoted word"}},
	}
	for _, tc := range tests {
		got, err := splitArgs(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
	_, err := splitArgs(`name="open`)
	assert.Error(t, err)
}
