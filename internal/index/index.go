// Package index persists the asset metadata index.
//
// The index maps content hashes to stored assets and their remote locators.
// Two backends are provided: an embedded SQLite database (the default) and
// PostgreSQL for shared server deployments.
package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/televault/televault/internal/media"
)

// ErrNotFound is returned when an asset does not exist in the index.
var ErrNotFound = errors.New("asset not found")

// ErrDuplicateHash is returned when an insert violates the content-hash
// uniqueness constraint. Callers recover by re-reading the existing row.
var ErrDuplicateHash = errors.New("content hash already indexed")

// RemoteLocation addresses an object via the heavy transport. It is durable:
// the channel and sequence number never expire.
type RemoteLocation struct {
	ChannelID int64 `json:"channelId"`
	Sequence  int64 `json:"sequence"`
}

// Asset is one stored object.
type Asset struct {
	ID          int64          `json:"id"`
	ContentHash string         `json:"contentHash"`
	DisplayName string         `json:"displayName"`
	ByteSize    int64          `json:"byteSize"`
	MIMEType    string         `json:"mimeType"`
	MediaKind   media.Kind     `json:"mediaKind"`
	Handle      string         `json:"remoteHandle"` // light-transport locator, may expire
	Location    RemoteLocation `json:"remoteLocation"`
	Collection  string         `json:"collection,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Stats summarizes the index contents.
type Stats struct {
	Assets      int64 `json:"assets"`
	TotalBytes  int64 `json:"totalBytes"`
	Collections int64 `json:"collections"`
}

// Store is the metadata index consumed by the uploader and namespace layers.
type Store interface {
	// FindByHash returns the asset with the given content hash, or ErrNotFound.
	FindByHash(ctx context.Context, hash string) (*Asset, error)

	// Insert adds a new asset and returns its id. The content hash carries a
	// uniqueness constraint; a violation is reported as ErrDuplicateHash.
	Insert(ctx context.Context, a *Asset) (int64, error)

	// Get returns an asset by id, or ErrNotFound.
	Get(ctx context.Context, id int64) (*Asset, error)

	// ListAll returns every indexed asset, ordered by id.
	ListAll(ctx context.Context) ([]*Asset, error)

	// UpdateHandle replaces an asset's light-transport handle after the relay
	// expired the old one.
	UpdateHandle(ctx context.Context, id int64, handle string) error

	// SetCollection assigns an asset to a named collection.
	SetCollection(ctx context.Context, id int64, collection string) error

	// Stats returns index-wide totals.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// Config selects and configures an index backend.
type Config struct {
	Backend     string // "sqlite" or "postgres"
	Path        string // sqlite file path
	DatabaseURL string // postgres DSN
}

// Open creates a Store from config.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		return OpenPostgres(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Backend)
	}
}
