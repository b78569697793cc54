package matrix

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kanri/internal/kanri/store"
)

func TestMarkdownToHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"bold and code", "**Done** in `mim-lolxp`", "<strong>Done</strong> in <code>mim-lolxp</code>"},
		{"newlines", "a\nb", "a<br/>b"},
		{"escapes", "<script> & co", "&lt;script&gt; &amp; co"},
		{"unmatched", "a ** b", "a ** b"},
		{"list", "Roles:\n- `mim`\n- `ts`\nend", "Roles:<br/><ul><li><code>mim</code></li><li><code>ts</code></li></ul>end"},
		{"fence", "out:\n```\n<b>x</b>\n```", "out:<br/><pre><code>&lt;b&gt;x&lt;/b&gt;\n</code></pre>"},
		{"open fence", "```\nx", "<pre><code>x\n</code></pre>"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MarkdownToHTML(tc.in))
		})
	}
}

func TestSyncStore(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "kanri.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	ss := NewSyncStore(s.DB())
	user := id.UserID("@kanri:example.org")

	got, err := ss.LoadNextBatch(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, ss.SaveNextBatch(ctx, user, "s1_2"))
	require.NoError(t, ss.SaveFilterID(ctx, user, "f7"))
	require.NoError(t, ss.SaveNextBatch(ctx, user, "s1_3"))

	got, err = ss.LoadNextBatch(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "s1_3", got)
	got, err = ss.LoadFilterID(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "f7", got)

	got, err = ss.LoadFilterID(ctx, "@other:example.org")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{
		Homeserver:  "https://matrix.example.org",
		UserID:      "@kanri:example.org",
		AccessToken: "secret",
		AdminRooms:  []string{"!ops:example.org"},
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{Homeserver: "https://matrix.example.org"})
	assert.Error(t, err)
}

func TestMessageFiltering(t *testing.T) {
	c := newTestClient(t)
	var got []Message
	c.handlers = Handlers{Message: func(_ context.Context, m Message) { got = append(got, m) }}

	now := time.Now().UnixMilli()
	msg := func(sender, room, body string, ts int64) *event.Event {
		return &event.Event{
			Sender:    id.UserID(sender),
			RoomID:    id.RoomID(room),
			ID:        id.EventID("$" + body),
			Timestamp: ts,
			Content:   event.Content{Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body}},
		}
	}

	ctx := context.Background()
	c.onMessage(ctx, msg("@alice:example.org", "!ops:example.org", "count hosts", now))
	c.onMessage(ctx, msg("@kanri:example.org", "!ops:example.org", "own echo", now))
	c.onMessage(ctx, msg("@alice:example.org", "!random:example.org", "elsewhere", now))
	c.onMessage(ctx, msg("@alice:example.org", "!ops:example.org", "stale", now-int64(time.Hour/time.Millisecond)))

	notice := msg("@alice:example.org", "!ops:example.org", "notice", now)
	notice.Content.Parsed.(*event.MessageEventContent).MsgType = event.MsgNotice
	c.onMessage(ctx, notice)

	reply := msg("@alice:example.org", "!ops:example.org", "> <@kanri:example.org> Confirm?\n\nyes", now)
	reply.Content.Parsed.(*event.MessageEventContent).RelatesTo = &event.RelatesTo{
		InReplyTo: &event.InReplyTo{EventID: "$prompt"},
	}
	c.onMessage(ctx, reply)

	require.Len(t, got, 2)
	assert.Equal(t, Message{RoomID: "!ops:example.org", EventID: "$count hosts", Sender: "@alice:example.org", Body: "count hosts"}, got[0])
	assert.Equal(t, "yes", got[1].Body)
	assert.Equal(t, "$prompt", got[1].ReplyTo)
}

func TestReactionDelivery(t *testing.T) {
	c := newTestClient(t)
	var got []Reaction
	c.handlers = Handlers{Reaction: func(_ context.Context, r Reaction) { got = append(got, r) }}

	evt := &event.Event{
		Sender:    "@alice:example.org",
		RoomID:    "!ops:example.org",
		ID:        "$r1",
		Timestamp: time.Now().UnixMilli(),
		Content: event.Content{Parsed: &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{Type: event.RelAnnotation, EventID: "$prompt", Key: "✅"},
		}},
	}
	c.onReaction(context.Background(), evt)

	require.Len(t, got, 1)
	assert.Equal(t, Reaction{RoomID: "!ops:example.org", EventID: "$r1", Sender: "@alice:example.org", Target: "$prompt", Key: "✅"}, got[0])
}

func TestStripReplyFallback(t *testing.T) {
	assert.Equal(t, "no", stripReplyFallback("> <@kanri:x> Confirm?\n> more\n\nno"))
	assert.Equal(t, "plain", stripReplyFallback("plain"))
}
