// Package vault ties the index, transports, cache, and namespace together
// behind one service type consumed by the HTTP server, the FUSE mount, and
// the CLI.
package vault

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"time"

	"github.com/televault/televault/internal/cache"
	"github.com/televault/televault/internal/config"
	"github.com/televault/televault/internal/index"
	"github.com/televault/televault/internal/namespace"
	"github.com/televault/televault/internal/stream"
	"github.com/televault/televault/internal/transport"
)

// ErrNotFound is returned for unknown asset ids and namespace paths.
var ErrNotFound = errors.New("not found")

// Vault is the assembled service.
type Vault struct {
	Store     index.Store
	Cache     *cache.Cache
	Refresher *namespace.Refresher

	uploader *Uploader
	streamer *stream.Streamer
}

// Open assembles a vault from configuration. The caller owns Close.
func Open(cfg *config.Config) (*Vault, error) {
	store, err := index.Open(index.Config{
		Backend:     cfg.IndexBackend,
		Path:        cfg.IndexPath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, err
	}

	c, err := cache.New(cache.Config{
		Dir:           cfg.CacheDir,
		MemoryBudget:  cfg.CacheMemBytes,
		DiskThreshold: cfg.DiskThreshold,
		DiskBudget:    cfg.CacheDiskBytes,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	light := transport.NewRelayClient(transport.RelayConfig{
		BaseURL:   cfg.RelayBaseURL,
		Token:     cfg.RelayToken,
		ChannelID: cfg.ChannelID,
	})
	heavy := transport.NewSessionClient(transport.SessionConfig{
		BaseURL:          cfg.RelayBaseURL,
		APIKey:           cfg.HeavyAPIKey,
		ChannelID:        cfg.ChannelID,
		Sessions:         cfg.HeavySessions,
		EstablishTimeout: cfg.SessionTimeout,
	})
	router := transport.NewRouter(transport.Ceilings{
		LightUpload:   cfg.LightUploadCeiling,
		LightDownload: cfg.LightDownloadCeiling,
		MaxFileSize:   cfg.MaxFileSize,
	}, heavy)

	return New(store, c, router, light, cfg.CacheFillBytes, cfg.RefreshInterval), nil
}

// New assembles a vault from already-built components.
func New(store index.Store, c *cache.Cache, router *transport.Router, light transport.Light, fillLimit int64, refreshInterval time.Duration) *Vault {
	return &Vault{
		Store:     store,
		Cache:     c,
		Refresher: namespace.NewRefresher(store, refreshInterval),
		uploader:  NewUploader(store, router, light),
		streamer:  stream.New(router, light, c, store, fillLimit),
	}
}

// Close releases the index connection.
func (v *Vault) Close() error {
	return v.Store.Close()
}

// UploadFile stores a local file. The bool reports whether the asset
// already existed, so no transfer happened.
func (v *Vault) UploadFile(ctx context.Context, req UploadRequest) (*index.Asset, bool, error) {
	return v.uploader.Upload(ctx, req)
}

// Asset returns an asset by id.
func (v *Vault) Asset(ctx context.Context, id int64) (*index.Asset, error) {
	a, err := v.Store.Get(ctx, id)
	if errors.Is(err, index.ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

// ReadRange streams [off, off+length) of the asset with the given id.
// length <= 0 reads to the end. The returned count is the exact number of
// bytes the reader yields.
func (v *Vault) ReadRange(ctx context.Context, id, off, length int64) (io.ReadCloser, int64, error) {
	a, err := v.Asset(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return v.streamer.ReadRange(ctx, a, off, length)
}

// ReadAssetRange streams a range of an already-resolved asset.
func (v *Vault) ReadAssetRange(ctx context.Context, a *index.Asset, off, length int64) (io.ReadCloser, int64, error) {
	return v.streamer.ReadRange(ctx, a, off, length)
}

// Namespace returns the current namespace snapshot.
func (v *Vault) Namespace() *namespace.Snapshot {
	return v.Refresher.Current()
}

// RefreshNamespace rebuilds the namespace snapshot immediately.
func (v *Vault) RefreshNamespace(ctx context.Context) error {
	return v.Refresher.Refresh(ctx)
}

// InvalidateCache drops an asset's cached bytes from both tiers.
func (v *Vault) InvalidateCache(ctx context.Context, id int64) error {
	a, err := v.Asset(ctx, id)
	if err != nil {
		return err
	}
	v.Cache.Invalidate(a.ContentHash)
	return nil
}

// SetCollection reassigns an asset's collection and refreshes the namespace.
func (v *Vault) SetCollection(ctx context.Context, id int64, collection string) error {
	if err := v.Store.SetCollection(ctx, id, collection); err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return v.Refresher.Refresh(ctx)
}

// Stats combines index totals with cache occupancy.
type Stats struct {
	Index index.Stats `json:"index"`
	Cache cache.Stats `json:"cache"`
}

// Stats reports service-wide totals.
func (v *Vault) Stats(ctx context.Context) (*Stats, error) {
	is, err := v.Store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Index: *is, Cache: v.Cache.Stats()}, nil
}

func baseName(path string) string {
	return filepath.Base(path)
}
