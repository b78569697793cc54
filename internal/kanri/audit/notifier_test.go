package audit_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bdobrica/Kanri/common/trace"
	"github.com/bdobrica/Kanri/internal/kanri/audit"
)

type fakeSender struct {
	rooms   []string
	notices []string
	err     error
}

func (f *fakeSender) SendNotice(room, msg string) error {
	f.rooms = append(f.rooms, room)
	f.notices = append(f.notices, msg)
	return f.err
}

func TestMatrixNotifier_SendsNotice(t *testing.T) {
	sender := &fakeSender{}
	n := audit.NewMatrixNotifier(sender, "!audit:example.org")

	n.Notify(context.Background(), audit.Event{
		Kind:    audit.KindConfirmationApproved,
		Actor:   "@alice:example.org",
		Target:  "create",
		Message: "role=mim domain=lolxp approved",
		TraceID: "t_abc123",
	})

	if len(sender.notices) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(sender.notices))
	}
	if sender.rooms[0] != "!audit:example.org" {
		t.Errorf("sent to %q", sender.rooms[0])
	}
	msg := sender.notices[0]
	for _, want := range []string{"✅", "create →", "role=mim domain=lolxp approved", "trace: t_abc123", "actor: @alice:example.org"} {
		if !strings.Contains(msg, want) {
			t.Errorf("notice missing %q: %q", want, msg)
		}
	}
}

func TestMatrixNotifier_TraceFromContext(t *testing.T) {
	sender := &fakeSender{}
	n := audit.NewMatrixNotifier(sender, "!audit:example.org")

	ctx := trace.WithTraceID(context.Background(), "t_fromctx")
	n.Notify(ctx, audit.Event{Kind: audit.KindSyncCompleted, Message: "42 hosts"})

	if !strings.Contains(sender.notices[0], "[sync.completed] 42 hosts") || !strings.Contains(sender.notices[0], "trace: t_fromctx") {
		t.Errorf("unexpected notice %q", sender.notices[0])
	}
}

func TestMatrixNotifier_NoopWhenEmptyRoom(t *testing.T) {
	sender := &fakeSender{}
	audit.NewMatrixNotifier(sender, "").Notify(context.Background(), audit.Event{Kind: audit.KindError, Message: "boom"})
	if len(sender.notices) != 0 {
		t.Fatalf("expected no notices, got %d", len(sender.notices))
	}
}

func TestMatrixNotifier_SendFailureIsSwallowed(t *testing.T) {
	sender := &fakeSender{err: errors.New("m.forbidden")}
	audit.NewMatrixNotifier(sender, "!r:x").Notify(context.Background(), audit.Event{Kind: audit.KindError})
	if len(sender.notices) != 1 {
		t.Fatal("send was not attempted")
	}
}

func TestMulti(t *testing.T) {
	a, b := &fakeSender{}, &fakeSender{}
	m := audit.Multi{audit.NewMatrixNotifier(a, "!a:x"), nil, audit.Noop{}, audit.NewMatrixNotifier(b, "!b:x")}
	m.Notify(context.Background(), audit.Event{Kind: audit.KindPlaybookLaunched, Message: "job 7"})
	if len(a.notices) != 1 || len(b.notices) != 1 {
		t.Fatalf("fan-out failed: a=%d b=%d", len(a.notices), len(b.notices))
	}
}
