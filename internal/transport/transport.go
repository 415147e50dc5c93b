// Package transport moves bytes between the vault and the relay backend.
//
// The relay exposes two asymmetric transports. The light transport is a
// plain request/response API with hard size ceilings on both directions.
// The heavy transport is session oriented: slower to establish, no practical
// size limit, and random access only at fixed block granularity.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/televault/televault/internal/media"
)

// Sentinel errors surfaced by the transports and the router.
var (
	// ErrTooLarge means the object exceeds every available transport ceiling.
	ErrTooLarge = errors.New("object exceeds available transport ceilings")

	// ErrTransportUnavailable means the heavy transport is not configured or
	// failed to establish a session within its deadline.
	ErrTransportUnavailable = errors.New("heavy transport unavailable")

	// ErrRemoteFailure is an opaque upstream failure after retries were
	// exhausted.
	ErrRemoteFailure = errors.New("remote backend failure")

	// ErrPhotoRejected means the relay rejected an image upload for its
	// dimensions; the caller retries once in document mode.
	ErrPhotoRejected = errors.New("relay rejected photo dimensions")

	// ErrHandleExpired means a light-transport handle is no longer valid and
	// must be re-resolved through a fresh upload record or the heavy locator.
	ErrHandleExpired = errors.New("remote handle expired")
)

// RateLimitError reports a relay rate limit together with the wait the relay
// asked for. The caller performs exactly one delayed retry.
type RateLimitError struct {
	After time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.After)
}

// Location addresses an object in a relay channel by sequence number.
// Unlike light-transport handles, locations are durable.
type Location struct {
	ChannelID int64
	Sequence  int64
}

// UploadResult carries both locators returned by a successful upload.
type UploadResult struct {
	Handle   string
	Location Location
}

// Light is the request/response transport. All operations are size-limited.
type Light interface {
	// UploadSmall sends size bytes from r using the endpoint selected by mode.
	UploadSmall(ctx context.Context, r io.Reader, name, mimeType string, mode media.UploadMode, size int64) (*UploadResult, error)

	// ResolveDownloadURL exchanges a handle for a short-lived download URL.
	// Returns ErrHandleExpired when the relay no longer knows the handle.
	ResolveDownloadURL(ctx context.Context, handle string) (string, error)

	// FetchRange streams [offset, offset+length) of the object behind url.
	// length <= 0 fetches to the end.
	FetchRange(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error)
}

// Heavy is the session-oriented transport. Implementations serialize access
// to session state; callers never share a session between operations.
type Heavy interface {
	// Available reports whether the heavy transport is configured and usable.
	// Absence is an ordinary condition, not an error.
	Available() bool

	// BlockSize returns the fixed block granularity of FetchBlock.
	BlockSize() int64

	// UploadLarge sends size bytes from r. No size limit.
	UploadLarge(ctx context.Context, r io.Reader, name, mimeType string, mode media.UploadMode, size int64) (*UploadResult, error)

	// FetchBlock returns block blockIndex of the object at loc. Every block
	// is BlockSize bytes except the final one, which may be short.
	FetchBlock(ctx context.Context, loc Location, blockIndex int64) ([]byte, error)

	// RefreshHandle mints a fresh light-transport handle for the object at
	// loc. Used when the relay has expired the stored handle; the location
	// itself never expires.
	RefreshHandle(ctx context.Context, loc Location) (string, error)
}

// Kind names the transport selected for one operation.
type Kind string

const (
	KindLight Kind = "light"
	KindHeavy Kind = "heavy"
)
