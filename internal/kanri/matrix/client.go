// Package matrix is the chat transport: it syncs with a Matrix homeserver,
// hands text messages and reactions from admin rooms to the app, and sends
// Markdown replies rendered as HTML.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	backoffMin = 2 * time.Second
	backoffMax = 5 * time.Minute
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	AdminRooms  []string // rooms where commands are accepted
	// DB persists the sync token across restarts.  When nil the in-memory
	// store is used and the room history replays on every start.
	DB *sql.DB
}

// Message is an incoming text message.
type Message struct {
	RoomID  string
	EventID string
	Sender  string
	Body    string
	// ReplyTo is the event this message replies to, if any.
	ReplyTo string
}

// Reaction is an annotation on an earlier event.
type Reaction struct {
	RoomID  string
	EventID string
	Sender  string
	Target  string
	Key     string
}

// Handlers receive events from admin rooms.  Either may be nil.
type Handlers struct {
	Message  func(ctx context.Context, msg Message)
	Reaction func(ctx context.Context, r Reaction)
}

// Client wraps the mautrix client.
type Client struct {
	client    *mautrix.Client
	config    Config
	admin     map[string]bool
	startedAt time.Time

	mu       sync.RWMutex
	handlers Handlers
}

// New creates a client.  It does not contact the homeserver.
func New(cfg Config) (*Client, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, errors.New("matrix: homeserver, user ID and access token are required")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client:    client,
		config:    cfg,
		admin:     make(map[string]bool, len(cfg.AdminRooms)),
		startedAt: time.Now(),
	}
	for _, r := range cfg.AdminRooms {
		c.admin[strings.TrimSpace(r)] = true
	}

	if cfg.DB != nil {
		client.Store = NewSyncStore(cfg.DB)
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.onMessage)
	syncer.OnEventType(event.EventReaction, c.onReaction)
	return c, nil
}

// UserID returns the bot's user ID.
func (c *Client) UserID() string { return c.config.UserID }

// AdminRooms returns the configured admin rooms.
func (c *Client) AdminRooms() []string { return append([]string(nil), c.config.AdminRooms...) }

// IsAdminRoom reports whether commands are accepted in roomID.
func (c *Client) IsAdminRoom(roomID string) bool { return c.admin[roomID] }

// Run joins the admin rooms and syncs until ctx is cancelled, reconnecting
// with exponential backoff after homeserver errors.
func (c *Client) Run(ctx context.Context, h Handlers) error {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()

	slog.Warn("Matrix E2EE is not enabled; messages are transmitted in plaintext")

	for _, roomID := range c.config.AdminRooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join admin room %s: %w", roomID, err)
		}
	}

	backoff := backoffMin
	for {
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Send posts Markdown to a room and returns the new event ID.
func (c *Client) Send(ctx context.Context, roomID, markdown string) (string, error) {
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          markdown,
		Format:        event.FormatHTML,
		FormattedBody: MarkdownToHTML(markdown),
	}
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return resp.EventID.String(), nil
}

// Reply posts Markdown as a reply to eventID.
func (c *Client) Reply(ctx context.Context, roomID, eventID, markdown string) (string, error) {
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          markdown,
		Format:        event.FormatHTML,
		FormattedBody: MarkdownToHTML(markdown),
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(eventID)},
		},
	}
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("failed to send reply: %w", err)
	}
	return resp.EventID.String(), nil
}

// SendNotice sends a notice message.  It satisfies audit.Sender.
func (c *Client) SendNotice(roomID, message string) error {
	content := event.MessageEventContent{
		MsgType:       event.MsgNotice,
		Body:          message,
		Format:        event.FormatHTML,
		FormattedBody: MarkdownToHTML(message),
	}
	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// React annotates eventID with key.
func (c *Client) React(ctx context.Context, roomID, eventID, key string) error {
	if _, err := c.client.SendReaction(ctx, id.RoomID(roomID), id.EventID(eventID), key); err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	return nil
}

// SetTyping sets the typing indicator.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	if _, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

// accept filters events down to those from other users, in admin rooms,
// sent after the client was created.
func (c *Client) accept(evt *event.Event) bool {
	if evt.Sender == id.UserID(c.config.UserID) {
		return false
	}
	if !c.IsAdminRoom(evt.RoomID.String()) {
		return false
	}
	if evt.Timestamp > 0 && time.UnixMilli(evt.Timestamp).Before(c.startedAt.Add(-time.Minute)) {
		slog.Debug("matrix: skipping event from before start", "event", evt.ID, "room", evt.RoomID)
		return false
	}
	return true
}

func (c *Client) onMessage(ctx context.Context, evt *event.Event) {
	if !c.accept(evt) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return
	}
	msg := Message{
		RoomID:  evt.RoomID.String(),
		EventID: evt.ID.String(),
		Sender:  evt.Sender.String(),
		Body:    stripReplyFallback(content.Body),
	}
	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		msg.ReplyTo = content.RelatesTo.InReplyTo.EventID.String()
	}

	c.mu.RLock()
	h := c.handlers.Message
	c.mu.RUnlock()
	if h != nil {
		h(ctx, msg)
	}
}

func (c *Client) onReaction(ctx context.Context, evt *event.Event) {
	if !c.accept(evt) {
		return
	}
	content := evt.Content.AsReaction()
	if content == nil || content.RelatesTo.EventID == "" {
		return
	}
	r := Reaction{
		RoomID:  evt.RoomID.String(),
		EventID: evt.ID.String(),
		Sender:  evt.Sender.String(),
		Target:  content.RelatesTo.EventID.String(),
		Key:     content.RelatesTo.Key,
	}

	c.mu.RLock()
	h := c.handlers.Reaction
	c.mu.RUnlock()
	if h != nil {
		h(ctx, r)
	}
}

// stripReplyFallback drops the "> quoted" lines clients prepend to replies.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	return strings.TrimSpace(strings.Join(lines[i:], "\n"))
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// M_FORBIDDEN also comes back when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
