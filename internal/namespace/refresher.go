package namespace

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/televault/televault/internal/index"
	"github.com/televault/televault/internal/logging"
)

// Refresher maintains the current namespace snapshot. A rebuilt snapshot
// replaces the old one in a single pointer swap, so readers never see a
// partially built tree.
type Refresher struct {
	store    index.Store
	interval time.Duration
	current  atomic.Pointer[Snapshot]
}

// NewRefresher builds a refresher around the index. Call Refresh once
// before serving lookups, then Run for periodic rebuilds.
func NewRefresher(store index.Store, interval time.Duration) *Refresher {
	r := &Refresher{store: store, interval: interval}
	r.current.Store(Build(nil))
	return r
}

// Current returns the latest snapshot. Never nil.
func (r *Refresher) Current() *Snapshot {
	return r.current.Load()
}

// Refresh rebuilds the snapshot from the index and swaps it in. On error
// the previous snapshot stays in place.
func (r *Refresher) Refresh(ctx context.Context) error {
	assets, err := r.store.ListAll(ctx)
	if err != nil {
		return err
	}
	snap := Build(assets)
	r.current.Store(snap)
	logging.Debug("namespace refreshed",
		zap.Int("files", snap.Len()),
		zap.Int("collections", len(snap.Root.Children)))
	return nil
}

// Run rebuilds the snapshot on the configured interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				logging.Warn("namespace refresh failed", zap.Error(err))
			}
		}
	}
}
