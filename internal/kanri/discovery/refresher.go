package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/Kanri/internal/kanri/vocabulary"
)

// DefaultRefreshInterval is used when Refresher.Interval is zero.
const DefaultRefreshInterval = 5 * time.Minute

// Refresher keeps a vocabulary index in step with its source.  A failed
// refresh is logged and the previous snapshot stays in place.
type Refresher struct {
	index    *vocabulary.Index
	source   vocabulary.Source
	interval time.Duration
	trigger  chan struct{}
}

// NewRefresher returns a refresher for index.
func NewRefresher(index *vocabulary.Index, source vocabulary.Source, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Refresher{
		index:    index,
		source:   source,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Index returns the refreshed index.
func (r *Refresher) Index() *vocabulary.Index { return r.index }

// Source returns the discovery source.
func (r *Refresher) Source() vocabulary.Source { return r.source }

// Endpoint describes the source for status output.
func (r *Refresher) Endpoint() string {
	if e, ok := r.source.(interface{ Endpoint() string }); ok {
		return e.Endpoint()
	}
	return "unknown"
}

// Refresh rebuilds the index now.
func (r *Refresher) Refresh(ctx context.Context) (*vocabulary.Snapshot, error) {
	return r.index.Refresh(ctx, r.source)
}

// Fresh returns the current snapshot, refreshing first when it is older than
// ttl.  A failed refresh returns the previous snapshot with the error.
func (r *Refresher) Fresh(ctx context.Context, ttl time.Duration) (*vocabulary.Snapshot, error) {
	if !r.index.Stale(ttl) {
		return r.index.Snapshot(), nil
	}
	return r.Refresh(ctx)
}

// Trigger asks Run to refresh soon.  It never blocks.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes once immediately, then on every tick or Trigger until ctx is
// done.  It always returns nil so a broken source never stops the process.
func (r *Refresher) Run(ctx context.Context) error {
	r.refreshLogged(ctx, "startup")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.refreshLogged(ctx, "interval")
		case <-r.trigger:
			r.refreshLogged(ctx, "trigger")
		}
	}
}

func (r *Refresher) refreshLogged(ctx context.Context, reason string) {
	if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("discovery: refresh failed", "reason", reason, "source", r.Endpoint(), "err", err)
	}
}
