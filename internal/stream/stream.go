// Package stream serves byte ranges of stored objects, hiding which
// transport and cache tier the bytes came from. Light-transport objects
// are fetched with native range requests; heavy-transport objects are
// assembled from fixed-size blocks and trimmed to the requested window.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/televault/televault/internal/cache"
	"github.com/televault/televault/internal/index"
	"github.com/televault/televault/internal/logging"
	"github.com/televault/televault/internal/metrics"
	"github.com/televault/televault/internal/transport"
)

// ErrOutOfRange is returned when the requested window starts at or past
// the end of the object, or is otherwise malformed.
var ErrOutOfRange = errors.New("requested range not satisfiable")

// Streamer reads object ranges through the cache and transports.
type Streamer struct {
	router    *transport.Router
	light     transport.Light
	cache     *cache.Cache
	store     index.Store
	fillLimit int64
}

// New builds a streamer. cache may be nil to disable local caching.
// fillLimit bounds the object size for which a cache miss downloads and
// caches the whole object before serving the window; 0 disables filling.
func New(router *transport.Router, light transport.Light, c *cache.Cache, store index.Store, fillLimit int64) *Streamer {
	return &Streamer{router: router, light: light, cache: c, store: store, fillLimit: fillLimit}
}

// ReadRange returns a reader over [off, off+length) of the asset, clamped
// to the object's end, plus the number of bytes the reader will yield.
// length <= 0 means read to the end.
func (s *Streamer) ReadRange(ctx context.Context, a *index.Asset, off, length int64) (io.ReadCloser, int64, error) {
	if off < 0 || off >= a.ByteSize {
		return nil, 0, fmt.Errorf("%w: offset %d of %d-byte object", ErrOutOfRange, off, a.ByteSize)
	}
	if length <= 0 || off+length > a.ByteSize {
		length = a.ByteSize - off
	}

	if s.cache != nil {
		if data, ok := s.cache.GetRange(a.ContentHash, off, length); ok {
			return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
		}
	}

	kind, err := s.router.ChooseDownload(a.ByteSize)
	if err != nil {
		return nil, 0, err
	}

	// Partial reads land here repeatedly for the same object, so a miss
	// on a small-enough object pulls the whole thing into the cache and
	// serves the window locally. Whole-object reads stream through the
	// mirror below instead, which costs no extra download.
	whole := off == 0 && length == a.ByteSize
	if s.cache != nil && !whole && s.fillLimit > 0 && a.ByteSize <= s.fillLimit {
		data, err := s.fill(ctx, kind, a, off, length)
		if err == nil {
			return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
		}
		logging.Debug("cache fill failed, reading direct",
			zap.Int64("asset", a.ID), zap.Error(err))
	}

	rc, err := s.open(ctx, kind, a, off, length)
	if err != nil {
		return nil, 0, err
	}

	metrics.RecordDownload(string(kind), length, true)

	// A whole-object read is worth keeping around.
	if s.cache != nil && whole {
		rc = s.mirror(a, rc)
	}
	return rc, length, nil
}

// open starts a direct transport read of [off, off+length).
func (s *Streamer) open(ctx context.Context, kind transport.Kind, a *index.Asset, off, length int64) (io.ReadCloser, error) {
	switch kind {
	case transport.KindLight:
		return s.readLight(ctx, a, off, length)
	case transport.KindHeavy:
		return s.readHeavy(ctx, a, off, length)
	default:
		return nil, transport.ErrTransportUnavailable
	}
}

// fill downloads the entire object into the cache and serves the window
// from the cached copy. The first read of an object pays for the full
// download; every later read of it is local.
func (s *Streamer) fill(ctx context.Context, kind transport.Kind, a *index.Asset, off, length int64) ([]byte, error) {
	rc, err := s.open(ctx, kind, a, 0, a.ByteSize)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if err := s.cache.Put(a.ContentHash, rc, a.ByteSize); err != nil {
		return nil, err
	}
	metrics.RecordDownload(string(kind), a.ByteSize, true)

	data, ok := s.cache.GetRange(a.ContentHash, off, length)
	if !ok {
		// the cache declined the object, e.g. over the memory budget
		return nil, errors.New("object not retained by cache")
	}
	return data, nil
}

// readLight fetches the range over the light transport. The download URL
// is short-lived; one stale-handle retry re-resolves it. A handle the relay
// has forgotten entirely is re-minted through the durable heavy locator.
func (s *Streamer) readLight(ctx context.Context, a *index.Asset, off, length int64) (io.ReadCloser, error) {
	handle := a.Handle

	url, err := s.light.ResolveDownloadURL(ctx, handle)
	if errors.Is(err, transport.ErrHandleExpired) {
		handle, err = s.refreshHandle(ctx, a)
		if err != nil {
			return nil, err
		}
		url, err = s.light.ResolveDownloadURL(ctx, handle)
	}
	if err != nil {
		return nil, err
	}

	rc, err := s.light.FetchRange(ctx, url, off, length)
	if errors.Is(err, transport.ErrHandleExpired) {
		logging.Debug("stale download url, re-resolving",
			zap.Int64("asset", a.ID))
		url, err = s.light.ResolveDownloadURL(ctx, handle)
		if err != nil {
			return nil, err
		}
		rc, err = s.light.FetchRange(ctx, url, off, length)
	}
	return rc, err
}

// refreshHandle replaces an expired light handle with one minted from the
// object's permanent location, persisting it for future reads.
func (s *Streamer) refreshHandle(ctx context.Context, a *index.Asset) (string, error) {
	heavy := s.router.Heavy()
	if heavy == nil || !heavy.Available() {
		return "", transport.ErrHandleExpired
	}

	loc := transport.Location{ChannelID: a.Location.ChannelID, Sequence: a.Location.Sequence}
	handle, err := heavy.RefreshHandle(ctx, loc)
	if err != nil {
		return "", err
	}

	if s.store != nil {
		if err := s.store.UpdateHandle(ctx, a.ID, handle); err != nil {
			logging.Warn("failed to persist refreshed handle",
				zap.Int64("asset", a.ID), zap.Error(err))
		}
	}
	a.Handle = handle
	logging.Info("light handle refreshed", zap.Int64("asset", a.ID))
	return handle, nil
}

// readHeavy assembles the range from fixed-size blocks: the first block is
// entered at off modulo the block size, and fetching stops as soon as the
// window is satisfied, even when later blocks exist.
func (s *Streamer) readHeavy(ctx context.Context, a *index.Asset, off, length int64) (io.ReadCloser, error) {
	heavy := s.router.Heavy()
	if heavy == nil || !heavy.Available() {
		return nil, transport.ErrTransportUnavailable
	}

	blockSize := heavy.BlockSize()
	ctx, cancel := context.WithCancel(ctx)
	return &blockReader{
		ctx:       ctx,
		cancel:    cancel,
		heavy:     heavy,
		loc:       transport.Location{ChannelID: a.Location.ChannelID, Sequence: a.Location.Sequence},
		next:      off / blockSize,
		skip:      off % blockSize,
		remaining: length,
	}, nil
}

// blockReader yields the requested window lazily, one remote block per
// refill. Close cancels any in-flight fetch.
type blockReader struct {
	ctx    context.Context
	cancel context.CancelFunc
	heavy  transport.Heavy
	loc    transport.Location

	next      int64 // next block index to fetch
	skip      int64 // bytes to drop from the front of the next block
	remaining int64
	buf       []byte
	err       error
}

func (r *blockReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.remaining <= 0 {
		r.err = io.EOF
		return 0, io.EOF
	}

	if len(r.buf) == 0 {
		block, err := r.heavy.FetchBlock(r.ctx, r.loc, r.next)
		if err != nil {
			r.err = err
			return 0, err
		}
		metrics.RecordBlockFetch()
		r.next++

		if r.skip >= int64(len(block)) {
			r.err = fmt.Errorf("%w: block shorter than entry offset", transport.ErrRemoteFailure)
			return 0, r.err
		}
		block = block[r.skip:]
		r.skip = 0
		if int64(len(block)) > r.remaining {
			block = block[:r.remaining]
		}
		if len(block) == 0 {
			r.err = io.ErrUnexpectedEOF
			return 0, r.err
		}
		r.buf = block
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.remaining -= int64(n)
	return n, nil
}

func (r *blockReader) Close() error {
	r.cancel()
	if r.err == nil {
		r.err = errors.New("stream closed")
	}
	return nil
}

// mirror tees a whole-object read into the cache without stalling the
// caller. An abandoned read aborts the cache write cleanly.
func (s *Streamer) mirror(a *index.Asset, rc io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.cache.Put(a.ContentHash, pr, a.ByteSize); err != nil {
			logging.Debug("cache mirror failed",
				zap.Int64("asset", a.ID), zap.Error(err))
			io.Copy(io.Discard, pr)
		}
	}()
	return &mirrorReader{
		src:  rc,
		tee:  io.TeeReader(rc, pw),
		pw:   pw,
		done: done,
	}
}

type mirrorReader struct {
	src  io.ReadCloser
	tee  io.Reader
	pw   *io.PipeWriter
	done chan struct{}
}

func (m *mirrorReader) Read(p []byte) (int, error) {
	n, err := m.tee.Read(p)
	if err == io.EOF {
		m.pw.Close()
	}
	return n, err
}

func (m *mirrorReader) Close() error {
	m.pw.CloseWithError(errors.New("stream closed before end of object"))
	<-m.done
	return m.src.Close()
}
