// Package audit posts short human-readable notices about significant events
// to an optional Matrix audit room (MATRIX_AUDIT_ROOM).
//
// Every notice carries the trace ID so operators can pull the full record
// with `!kanri trace <id>`.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/Kanri/common/redact"
	"github.com/bdobrica/Kanri/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindConfirmationRequested Kind = "confirmation.requested"
	KindConfirmationApproved  Kind = "confirmation.approved"
	KindConfirmationDenied    Kind = "confirmation.denied"
	KindConfirmationExpired   Kind = "confirmation.expired"
	KindActionExecuted        Kind = "action.executed"
	KindSyncCompleted         Kind = "sync.completed"
	KindPlaybookLaunched      Kind = "playbook.launched"
	KindError                 Kind = "error"
)

// Event is what the notifier formats and sends.
type Event struct {
	Kind    Kind
	Actor   string
	Target  string
	Message string
	// TraceID defaults to the one carried by the context.
	TraceID   string
	Timestamp time.Time
}

// Notifier posts audit events.  Implementations log send failures instead
// of returning them.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client the notifier needs.
type Sender interface {
	SendNotice(roomID, message string) error
}

// MatrixNotifier posts notices to a single room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier returns a notifier for roomID.  An empty roomID makes
// every Notify a no-op.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt and posts it.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" || n.sender == nil {
		return
	}
	msg := Format(ctx, evt)
	if err := n.sender.SendNotice(n.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice", "room", n.roomID, "kind", evt.Kind, "err", err)
		return
	}
	slog.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
}

// Format renders evt as the notice text.  Secret-looking values in the
// message are redacted.
func Format(ctx context.Context, evt Event) string {
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}

	var sb strings.Builder
	sb.WriteString(kindIcon(evt.Kind))
	sb.WriteString(" ")
	if evt.Target != "" {
		fmt.Fprintf(&sb, "%s → ", evt.Target)
	} else {
		fmt.Fprintf(&sb, "[%s] ", evt.Kind)
	}
	sb.WriteString(redact.String(evt.Message))
	if tid != "" {
		fmt.Fprintf(&sb, "\n  trace: %s", tid)
	}
	if evt.Actor != "" {
		fmt.Fprintf(&sb, "\n  actor: %s", evt.Actor)
	}
	return sb.String()
}

// Noop discards every event.
type Noop struct{}

func (Noop) Notify(context.Context, Event) {}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}

func kindIcon(k Kind) string {
	switch k {
	case KindConfirmationRequested:
		return "🔔"
	case KindConfirmationApproved:
		return "✅"
	case KindConfirmationDenied:
		return "❌"
	case KindConfirmationExpired:
		return "⌛"
	case KindActionExecuted:
		return "▶️"
	case KindSyncCompleted:
		return "🔄"
	case KindPlaybookLaunched:
		return "🚀"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
