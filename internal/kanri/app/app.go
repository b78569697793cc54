// Package app wires the stores, handlers, dispatcher and transports into
// the running Kanri process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/audit"
	"github.com/bdobrica/Kanri/internal/kanri/awx"
	"github.com/bdobrica/Kanri/internal/kanri/config"
	"github.com/bdobrica/Kanri/internal/kanri/confirm"
	"github.com/bdobrica/Kanri/internal/kanri/discovery"
	"github.com/bdobrica/Kanri/internal/kanri/dispatch"
	"github.com/bdobrica/Kanri/internal/kanri/handlers/inventory"
	"github.com/bdobrica/Kanri/internal/kanri/handlers/playbook"
	"github.com/bdobrica/Kanri/internal/kanri/matrix"
	"github.com/bdobrica/Kanri/internal/kanri/nlp"
	"github.com/bdobrica/Kanri/internal/kanri/store"
	"github.com/bdobrica/Kanri/internal/kanri/vocabulary"
)

const (
	sweepInterval = 30 * time.Second
	pruneInterval = time.Hour
)

// App is the assembled process.
type App struct {
	cfg *Config

	store      *store.Store
	registry   *actions.Registry
	confirms   *confirm.Manager
	dispatcher *dispatch.Dispatcher
	index      *vocabulary.Index
	refresher  *discovery.Refresher
	file       *discovery.FileSource
	etcd       *discovery.EtcdSource
	playbooks  *playbook.Handler
	notifier   audit.Notifier

	matrix *matrix.Client
	bot    *Bot
	health *HealthServer
}

// New builds every component.  Nothing runs until Run or Background.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if err := cfg.ValidateCore(); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a := &App{cfg: cfg, store: st, notifier: audit.Noop{}}
	if err := a.build(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	if cfg.MatrixEnabled() {
		mcfg := cfg.Matrix
		mcfg.DB = a.store.DB()
		mc, err := matrix.New(mcfg)
		if err != nil {
			return err
		}
		a.matrix = mc
		if cfg.AuditRoom != "" {
			a.notifier = audit.NewMatrixNotifier(mc, cfg.AuditRoom)
		}
	}

	// Discovery.
	var source vocabulary.Source
	if cfg.DiscoveryFile != "" {
		a.file = discovery.NewFile(cfg.DiscoveryFile)
		source = a.file
	} else {
		es, err := discovery.NewEtcd(cfg.Etcd)
		if err != nil {
			return err
		}
		a.etcd = es
		source = es
	}
	a.index = vocabulary.New(cfg.EtcdPrefix)
	a.refresher = discovery.NewRefresher(a.index, source, cfg.RefreshInterval)
	slog.Info("discovery source configured", "endpoint", a.refresher.Endpoint(), "prefix", cfg.EtcdPrefix)

	// AWX is optional; without it only read-only actions are served.
	var (
		client *awx.Client
		syncer *awx.Syncer
	)
	if cfg.AWXEnabled() {
		c, err := awx.New(cfg.AWX)
		if err != nil {
			return fmt.Errorf("failed to configure AWX: %w", err)
		}
		client = c
		syncer = awx.NewSyncer(c, cfg.SyncTimeout)
		slog.Info("AWX configured", "server", c.Server(), "auth", c.AuthMethod())
	} else {
		slog.Warn("AWX_SERVER not set; inventory mutations and playbooks are disabled")
	}

	a.registry = actions.NewRegistry()
	inv, err := inventory.New(inventory.Config{
		Refresher: a.refresher,
		Syncer:    syncer,
		CacheTTL:  cfg.CacheTTL,
		Notifier:  a.notifier,
	})
	if err != nil {
		return err
	}
	if err := a.registry.Register(inv); err != nil {
		return err
	}

	if client != nil {
		pb, err := a.buildPlaybooks(client)
		if err != nil {
			return err
		}
		if err := a.registry.Register(pb); err != nil {
			return err
		}
		a.playbooks = pb
	}

	a.confirms = confirm.NewManager(confirm.Config{
		TTL:       cfg.ConfirmTTL,
		Approvers: cfg.AdminSenders,
		Persister: a.store,
		OnExpire:  a.onExpire,
	})
	if n, err := a.confirms.Load(ctx); err != nil {
		slog.Warn("failed to restore pending confirmations", "err", err)
	} else if n > 0 {
		slog.Info("restored pending confirmations", "count", n)
	}

	provider, err := nlp.NewProvider(ctx, cfg.NLP)
	if err != nil {
		return fmt.Errorf("failed to configure intent parser: %w", err)
	}
	a.dispatcher, err = dispatch.New(dispatch.Config{
		Registry:      a.registry,
		Confirmations: a.confirms,
		Parser: nlp.Limited{
			Provider: provider,
			Limiter:  nlp.NewRateLimiter(cfg.NLPRateLimit, time.Minute),
		},
		Vocabulary: a.index,
		Audit:      a.store,
		Notifier:   a.notifier,
		ConfirmTTL: cfg.ConfirmTTL,
	})
	if err != nil {
		return err
	}

	if a.matrix != nil {
		a.bot = NewBot(BotConfig{
			Chat:         a.matrix,
			Dispatcher:   a.dispatcher,
			Audit:        a.store,
			Prompts:      a.store,
			AdminSenders: cfg.AdminSenders,
		})
	}
	if cfg.HealthAddr != "" {
		a.health = NewHealthServer(cfg.HealthAddr, a)
	}
	return nil
}

func (a *App) buildPlaybooks(client *awx.Client) (*playbook.Handler, error) {
	cfg := a.cfg
	catalogues := map[string]playbook.Catalogue{
		"github": playbook.NewGitHub(cfg.GitHubToken),
	}
	if cfg.GitLabToken != "" || cfg.GitLabURL != "" || cfg.Playbooks.Provider == "gitlab" {
		gl, err := playbook.NewGitLab(cfg.GitLabToken, cfg.GitLabURL)
		if err != nil {
			return nil, err
		}
		catalogues["gitlab"] = gl
	}
	return playbook.New(playbook.Config{
		Client:     client,
		Catalogues: catalogues,
		Settings:   config.New(a.store),
		Defaults:   cfg.Playbooks,
		SCMTokens: map[string]string{
			"github": cfg.GitHubToken,
			"gitlab": cfg.GitLabToken,
		},
		MaxConcurrent: cfg.QueueMaxConcurrent,
		Notify:        a.notifyChannel,
		Audit:         a.notifier,
	})
}

// Dispatcher returns the dispatcher for the CLI and MCP surfaces.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Registry returns the action registry.
func (a *App) Registry() *actions.Registry { return a.registry }

// Index returns the vocabulary index.
func (a *App) Index() *vocabulary.Index { return a.index }

// Refresh loads the vocabulary once.
func (a *App) Refresh(ctx context.Context) error {
	_, err := a.refresher.Refresh(ctx)
	return err
}

// Background runs the refresher, the file watcher, the confirmation sweeper
// and the request queue until ctx is done.
func (a *App) Background(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	a.background(ctx, g)
	return g.Wait()
}

func (a *App) background(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return a.refresher.Run(ctx) })
	if a.file != nil {
		g.Go(func() error { return a.file.Watch(ctx, a.refresher.Trigger) })
	}
	g.Go(func() error {
		a.confirms.Run(ctx, sweepInterval)
		return nil
	})
	if a.playbooks != nil {
		g.Go(func() error { return a.playbooks.Queue().Run(ctx) })
	}
	if a.cfg.AuditRetention > 0 {
		g.Go(func() error {
			a.pruneAudit(ctx, pruneInterval)
			return nil
		})
	}
}

// pruneAudit drops audit entries older than the retention period, once at
// start and then every interval.
func (a *App) pruneAudit(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := a.store.PruneAudit(ctx, time.Now().Add(-a.cfg.AuditRetention))
		if err != nil {
			slog.Warn("audit prune failed", "err", err)
		} else if n > 0 {
			slog.Info("audit log pruned", "deleted", n, "retention", a.cfg.AuditRetention)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Run serves the Matrix bot and the health server on top of Background.
// It returns when ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	if a.bot == nil {
		return errors.New("matrix is not configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	a.background(ctx, g)
	if a.health != nil {
		g.Go(func() error { return a.health.Run(ctx) })
	}
	g.Go(func() error {
		err := a.matrix.Run(ctx, a.bot.Handlers())
		a.bot.Wait()
		return err
	})

	for _, room := range a.matrix.AdminRooms() {
		if err := a.matrix.SendNotice(room, "✅ Kanri started. Type `help` for the list of actions."); err != nil {
			slog.Warn("failed to send startup notice", "room", room, "err", err)
		}
	}
	slog.Info("Kanri is running")
	return g.Wait()
}

// WaitIdle blocks until the request queue is empty or ctx is done.
func (a *App) WaitIdle(ctx context.Context) error {
	if a.playbooks == nil {
		return nil
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if running, queued := a.playbooks.Queue().Depth(); running == 0 && queued == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the database and the etcd connection.
func (a *App) Close() {
	if a.etcd != nil {
		if err := a.etcd.Close(); err != nil {
			slog.Warn("failed to close etcd client", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close database", "err", err)
	}
}

// notifyChannel posts queue progress to the request's origin room.  Other
// channels (cli, mcp) only get a log line.
func (a *App) notifyChannel(ctx context.Context, channel, message string) {
	if a.matrix == nil || !strings.HasPrefix(channel, "!") {
		slog.Info("queue: "+firstLine(message), "channel", channel)
		return
	}
	if _, err := a.matrix.Send(ctx, channel, message); err != nil {
		slog.Warn("queue: failed to post update", "room", channel, "err", err)
	}
}

func (a *App) onExpire(p confirm.Pending) {
	ctx := context.Background()
	a.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindConfirmationExpired,
		Actor:   p.RequesterID,
		Target:  p.Action,
		Message: "token " + p.Token + " expired",
	})
	if a.matrix != nil && strings.HasPrefix(p.ChannelID, "!") {
		msg := fmt.Sprintf("⌛ Confirmation `%s` for `%s` expired. Nothing was changed.", p.Token, p.Action)
		if _, err := a.matrix.Send(ctx, p.ChannelID, msg); err != nil {
			slog.Warn("failed to post expiry", "room", p.ChannelID, "err", err)
		}
	}
}

// Ready implements Probe.
func (a *App) Ready(ctx context.Context) error {
	if !a.index.Ready() {
		return errors.New("vocabulary not loaded yet")
	}
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// Stats implements Probe.
func (a *App) Stats(context.Context) Stats {
	snap := a.index.Snapshot()
	s := Stats{
		Discovery:            a.refresher.Endpoint(),
		VocabularyBuiltAt:    snap.BuiltAt(),
		Hosts:                snap.HostCount(),
		Roles:                len(snap.ListRoles()),
		Domains:              len(snap.ListDomains()),
		PendingConfirmations: a.confirms.Len(),
	}
	if a.playbooks != nil {
		s.QueueRunning, s.QueueQueued = a.playbooks.Queue().Depth()
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
