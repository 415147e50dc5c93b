package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/televault/televault/internal/index"
	"github.com/televault/televault/internal/logging"
	"github.com/televault/televault/internal/media"
	"github.com/televault/televault/internal/metrics"
	"github.com/televault/televault/internal/transport"
)

// UploadRequest describes one file to store.
type UploadRequest struct {
	Path        string // local file to read
	DisplayName string // presented name, defaults to the file's base name
	Collection  string // optional grouping
}

// Uploader stores files remotely with content-hash deduplication. Identical
// bytes are transferred at most once, even under concurrent requests.
type Uploader struct {
	store  index.Store
	router *transport.Router
	light  transport.Light

	group singleflight.Group
}

// NewUploader wires the uploader.
func NewUploader(store index.Store, router *transport.Router, light transport.Light) *Uploader {
	return &Uploader{store: store, router: router, light: light}
}

// outcome pairs the resulting asset with whether it predates this call.
type outcome struct {
	asset   *index.Asset
	existed bool
}

// Upload stores the file and returns the resulting asset. The bool is true
// when the content hash was already indexed and no transfer happened.
// Concurrent uploads of identical content collapse into one.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (*index.Asset, bool, error) {
	hash, size, err := HashFile(req.Path)
	if err != nil {
		return nil, false, err
	}

	if existing, err := u.store.FindByHash(ctx, hash); err == nil {
		metrics.RecordDedupHit()
		logging.Info("upload deduplicated",
			zap.Int64("asset", existing.ID),
			zap.String("hash", hash))
		return existing, true, nil
	} else if !errors.Is(err, index.ErrNotFound) {
		return nil, false, err
	}

	v, err, _ := u.group.Do(hash, func() (interface{}, error) {
		// a racing caller may have finished while we queued
		if existing, err := u.store.FindByHash(ctx, hash); err == nil {
			metrics.RecordDedupHit()
			return outcome{existing, true}, nil
		} else if !errors.Is(err, index.ErrNotFound) {
			return nil, err
		}
		asset, existed, err := u.transfer(ctx, req, hash, size)
		if err != nil {
			return nil, err
		}
		return outcome{asset, existed}, nil
	})
	if err != nil {
		return nil, false, err
	}
	out := v.(outcome)
	return out.asset, out.existed, nil
}

func (u *Uploader) transfer(ctx context.Context, req UploadRequest, hash string, size int64) (*index.Asset, bool, error) {
	kind, err := u.router.ChooseUpload(size)
	if err != nil {
		return nil, false, err
	}

	name := req.DisplayName
	if name == "" {
		name = baseName(req.Path)
	}
	mimeType := media.DetectMIME(name)
	mode := media.ModeFor(mimeType)

	result, err := u.send(ctx, kind, req.Path, name, mimeType, mode, size)
	if err != nil {
		metrics.RecordUpload(string(kind), size, false)
		return nil, false, err
	}
	metrics.RecordUpload(string(kind), size, true)

	asset := &index.Asset{
		ContentHash: hash,
		DisplayName: name,
		ByteSize:    size,
		MIMEType:    mimeType,
		MediaKind:   media.Classify(mimeType, name),
		Handle:      result.Handle,
		Location: index.RemoteLocation{
			ChannelID: result.Location.ChannelID,
			Sequence:  result.Location.Sequence,
		},
		Collection: req.Collection,
	}

	id, err := u.store.Insert(ctx, asset)
	if errors.Is(err, index.ErrDuplicateHash) {
		// lost an insert race with another process; the remote copy we
		// just made is orphaned, the indexed one wins
		metrics.RecordDedupHit()
		existing, err := u.store.FindByHash(ctx, hash)
		return existing, true, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("uploaded but not indexed (remote copy orphaned): %w", err)
	}
	asset.ID = id

	logging.Info("upload stored",
		zap.Int64("asset", id),
		zap.String("transport", string(kind)),
		zap.Int64("size", size),
		zap.String("hash", hash))
	return asset, false, nil
}

// send performs the transfer, with two bounded retries: one wait-and-retry
// after a rate limit, and one fallback to document mode when the relay
// rejects an image's dimensions.
func (u *Uploader) send(ctx context.Context, kind transport.Kind, path, name, mimeType string, mode media.UploadMode, size int64) (*transport.UploadResult, error) {
	result, err := u.sendOnce(ctx, kind, path, name, mimeType, mode, size)

	var rateErr *transport.RateLimitError
	if errors.As(err, &rateErr) {
		metrics.RecordRateLimitRetry()
		logging.Warn("rate limited, retrying once",
			zap.Duration("after", rateErr.After))
		select {
		case <-time.After(rateErr.After):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		result, err = u.sendOnce(ctx, kind, path, name, mimeType, mode, size)
		if errors.As(err, &rateErr) {
			// still throttled after honoring the wait; give up for good
			return nil, fmt.Errorf("%w: rate limited again after retry", transport.ErrRemoteFailure)
		}
	}

	if errors.Is(err, transport.ErrPhotoRejected) && mode != media.ModeDocument {
		logging.Warn("image rejected, retrying as document",
			zap.String("name", name))
		result, err = u.sendOnce(ctx, kind, path, name, mimeType, media.ModeDocument, size)
	}
	return result, err
}

func (u *Uploader) sendOnce(ctx context.Context, kind transport.Kind, path, name, mimeType string, mode media.UploadMode, size int64) (*transport.UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch kind {
	case transport.KindLight:
		return u.light.UploadSmall(ctx, f, name, mimeType, mode, size)
	case transport.KindHeavy:
		heavy := u.router.Heavy()
		if heavy == nil || !heavy.Available() {
			return nil, transport.ErrTransportUnavailable
		}
		return heavy.UploadLarge(ctx, f, name, mimeType, mode, size)
	default:
		return nil, transport.ErrTransportUnavailable
	}
}
