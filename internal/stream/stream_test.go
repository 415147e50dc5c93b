package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/televault/televault/internal/cache"
	"github.com/televault/televault/internal/index"
	"github.com/televault/televault/internal/media"
	"github.com/televault/televault/internal/transport"
)

// fakeHeavy serves blocks of a fixed object and counts fetches.
type fakeHeavy struct {
	content   []byte
	blockSize int64
	fetches   atomic.Int64
	refreshes atomic.Int64
}

func (h *fakeHeavy) Available() bool  { return true }
func (h *fakeHeavy) BlockSize() int64 { return h.blockSize }
func (h *fakeHeavy) UploadLarge(ctx context.Context, r io.Reader, name, mimeType string, mode media.UploadMode, size int64) (*transport.UploadResult, error) {
	return nil, errors.New("not implemented")
}
func (h *fakeHeavy) FetchBlock(ctx context.Context, loc transport.Location, blockIndex int64) ([]byte, error) {
	h.fetches.Add(1)
	start := blockIndex * h.blockSize
	if start >= int64(len(h.content)) {
		return nil, transport.ErrRemoteFailure
	}
	end := start + h.blockSize
	if end > int64(len(h.content)) {
		end = int64(len(h.content))
	}
	return h.content[start:end], nil
}
func (h *fakeHeavy) RefreshHandle(ctx context.Context, loc transport.Location) (string, error) {
	h.refreshes.Add(1)
	return "minted", nil
}

// fakeLight serves ranges of a fixed object, optionally failing resolves
// or fetches first.
type fakeLight struct {
	content        []byte
	resolves       atomic.Int64
	resolveExpired int32 // resolves that fail with ErrHandleExpired first
	fetchExpired   int32 // fetches that fail with ErrHandleExpired first
}

func (f *fakeLight) UploadSmall(ctx context.Context, r io.Reader, name, mimeType string, mode media.UploadMode, size int64) (*transport.UploadResult, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeLight) ResolveDownloadURL(ctx context.Context, handle string) (string, error) {
	f.resolves.Add(1)
	if atomic.AddInt32(&f.resolveExpired, -1) >= 0 {
		return "", transport.ErrHandleExpired
	}
	return "https://cdn.example/" + handle, nil
}
func (f *fakeLight) FetchRange(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error) {
	if atomic.AddInt32(&f.fetchExpired, -1) >= 0 {
		return nil, transport.ErrHandleExpired
	}
	end := offset + length
	if length <= 0 || end > int64(len(f.content)) {
		end = int64(len(f.content))
	}
	return io.NopCloser(bytes.NewReader(f.content[offset:end])), nil
}

func testAsset(size int64) *index.Asset {
	return &index.Asset{
		ID:          1,
		ContentHash: "hash1",
		DisplayName: "obj.bin",
		ByteSize:    size,
		MIMEType:    "application/octet-stream",
		Handle:      "h1",
		Location:    index.RemoteLocation{ChannelID: 2, Sequence: 3},
	}
}

func newHeavyStreamer(heavy *fakeHeavy, c *cache.Cache) *Streamer {
	// download ceiling 0 forces every read through the heavy path
	router := transport.NewRouter(transport.Ceilings{
		LightUpload:   1 << 20,
		LightDownload: 0,
		MaxFileSize:   1 << 30,
	}, heavy)
	return New(router, &fakeLight{}, c, nil, 1<<20)
}

func readAll(t *testing.T, s *Streamer, a *index.Asset, off, length int64) []byte {
	t.Helper()
	rc, n, err := s.ReadRange(context.Background(), a, off, length)
	if err != nil {
		t.Fatalf("ReadRange(%d,%d): %v", off, length, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if int64(len(data)) != n {
		t.Fatalf("reported %d bytes, yielded %d", n, len(data))
	}
	return data
}

func TestReadRange_HeavyBlockAssembly(t *testing.T) {
	content := []byte("abcdefghijklmnop") // 4 blocks of 4
	heavy := &fakeHeavy{content: content, blockSize: 4}
	s := newHeavyStreamer(heavy, nil)
	a := testAsset(int64(len(content)))

	tests := []struct {
		off, length int64
		want        string
	}{
		{0, 16, "abcdefghijklmnop"},
		{0, 4, "abcd"},
		{5, 7, "fghijkl"}, // enters block 1 at offset 1, spans into block 2
		{3, 2, "de"},      // straddles a block boundary
		{15, 1, "p"},
		{12, 100, "mnop"}, // clamped at the tail
		{14, 0, "op"},     // zero length reads to the end
	}
	for _, tc := range tests {
		got := readAll(t, s, a, tc.off, tc.length)
		if string(got) != tc.want {
			t.Errorf("ReadRange(%d,%d) = %q, want %q", tc.off, tc.length, got, tc.want)
		}
	}
}

func TestReadRange_HeavyStopsWhenSatisfied(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 64) // 16 blocks of 4
	heavy := &fakeHeavy{content: content, blockSize: 4}
	s := newHeavyStreamer(heavy, nil)
	a := testAsset(64)

	readAll(t, s, a, 5, 7) // blocks 1 and 2 only
	if got := heavy.fetches.Load(); got != 2 {
		t.Errorf("blocks fetched: got %d, want 2", got)
	}
}

func TestReadRange_OutOfRange(t *testing.T) {
	heavy := &fakeHeavy{content: []byte("abcd"), blockSize: 4}
	s := newHeavyStreamer(heavy, nil)
	a := testAsset(4)

	for _, off := range []int64{4, 100, -1} {
		_, _, err := s.ReadRange(context.Background(), a, off, 1)
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("ReadRange(off=%d) = %v, want ErrOutOfRange", off, err)
		}
	}
}

func TestReadRange_CacheFirst(t *testing.T) {
	content := []byte("cached object bytes")
	c, err := cache.New(cache.Config{
		Dir:           t.TempDir(),
		MemoryBudget:  1 << 20,
		DiskThreshold: 1 << 10,
	})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	c.PutBytes("hash1", content)

	heavy := &fakeHeavy{content: content, blockSize: 4}
	s := newHeavyStreamer(heavy, c)
	a := testAsset(int64(len(content)))

	got := readAll(t, s, a, 7, 6)
	if string(got) != string(content[7:13]) {
		t.Errorf("cached range: got %q", got)
	}
	if heavy.fetches.Load() != 0 {
		t.Errorf("remote fetched despite cache: %d blocks", heavy.fetches.Load())
	}
}

func TestReadRange_LightPath(t *testing.T) {
	content := []byte("light object")
	light := &fakeLight{content: content}
	router := transport.NewRouter(transport.Ceilings{
		LightUpload:   1 << 20,
		LightDownload: 1 << 20,
		MaxFileSize:   1 << 30,
	}, nil)
	s := New(router, light, nil, nil, 0)
	a := testAsset(int64(len(content)))

	got := readAll(t, s, a, 6, 6)
	if string(got) != "object" {
		t.Errorf("light range: got %q", got)
	}
}

func TestReadRange_LightRetriesExpiredURL(t *testing.T) {
	content := []byte("retry object")
	light := &fakeLight{content: content, fetchExpired: 1}
	router := transport.NewRouter(transport.Ceilings{
		LightUpload:   1 << 20,
		LightDownload: 1 << 20,
		MaxFileSize:   1 << 30,
	}, nil)
	s := New(router, light, nil, nil, 0)
	a := testAsset(int64(len(content)))

	got := readAll(t, s, a, 0, 5)
	if string(got) != "retry" {
		t.Errorf("range after retry: got %q", got)
	}
	if light.resolves.Load() != 2 {
		t.Errorf("resolves: got %d, want 2", light.resolves.Load())
	}
}

// recordingStore only tracks UpdateHandle calls.
type recordingStore struct {
	index.Store

	mu      sync.Mutex
	updated map[int64]string
}

func (s *recordingStore) UpdateHandle(ctx context.Context, id int64, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updated == nil {
		s.updated = make(map[int64]string)
	}
	s.updated[id] = handle
	return nil
}

func TestReadRange_DeadHandleRefreshedViaHeavy(t *testing.T) {
	content := []byte("refreshed object")
	light := &fakeLight{content: content, resolveExpired: 1}
	heavy := &fakeHeavy{content: content, blockSize: 4}
	store := &recordingStore{}

	router := transport.NewRouter(transport.Ceilings{
		LightUpload:   1 << 20,
		LightDownload: 1 << 20,
		MaxFileSize:   1 << 30,
	}, heavy)
	s := New(router, light, nil, store, 0)
	a := testAsset(int64(len(content)))

	got := readAll(t, s, a, 0, 9)
	if string(got) != "refreshed" {
		t.Errorf("range after handle refresh: got %q", got)
	}
	if heavy.refreshes.Load() != 1 {
		t.Errorf("refreshes: got %d, want 1", heavy.refreshes.Load())
	}
	if a.Handle != "minted" {
		t.Errorf("asset handle: got %q, want %q", a.Handle, "minted")
	}
	if store.updated[a.ID] != "minted" {
		t.Error("refreshed handle not persisted")
	}
}

func TestReadRange_PartialMissFillsCache(t *testing.T) {
	content := []byte("abcdefghijklmnop") // 4 blocks of 4
	c, err := cache.New(cache.Config{
		Dir:           t.TempDir(),
		MemoryBudget:  1 << 20,
		DiskThreshold: 1 << 10,
	})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	heavy := &fakeHeavy{content: content, blockSize: 4}
	s := newHeavyStreamer(heavy, c)
	a := testAsset(int64(len(content)))

	// small windows, the way a filesystem reads
	for off := int64(0); off < 16; off += 4 {
		got := readAll(t, s, a, off, 4)
		if string(got) != string(content[off:off+4]) {
			t.Fatalf("window at %d: got %q", off, got)
		}
	}

	// the first miss pulled the whole object, once
	if got := heavy.fetches.Load(); got != 4 {
		t.Errorf("blocks fetched after first pass: got %d, want 4", got)
	}
	if !c.Contains("hash1") {
		t.Fatal("object not cached after first pass")
	}

	// an identical second pass never touches the remote
	for off := int64(0); off < 16; off += 4 {
		readAll(t, s, a, off, 4)
	}
	if got := heavy.fetches.Load(); got != 4 {
		t.Errorf("blocks fetched after second pass: got %d, want 4", got)
	}
}

func TestReadRange_FillSkipsOversizedObjects(t *testing.T) {
	content := bytes.Repeat([]byte("z"), 64) // 16 blocks of 4
	c, err := cache.New(cache.Config{
		Dir:           t.TempDir(),
		MemoryBudget:  1 << 20,
		DiskThreshold: 1 << 10,
	})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	heavy := &fakeHeavy{content: content, blockSize: 4}
	router := transport.NewRouter(transport.Ceilings{
		LightUpload:   1 << 20,
		LightDownload: 0,
		MaxFileSize:   1 << 30,
	}, heavy)
	s := New(router, &fakeLight{}, c, nil, 32) // object is twice the fill bound
	a := testAsset(64)

	readAll(t, s, a, 5, 7)
	if got := heavy.fetches.Load(); got != 2 {
		t.Errorf("blocks fetched: got %d, want 2", got)
	}
	if c.Contains("hash1") {
		t.Error("object above the fill bound was cached")
	}
}

func TestReadRange_WholeReadMirrorsIntoCache(t *testing.T) {
	content := []byte("mirror me")
	c, err := cache.New(cache.Config{
		Dir:           t.TempDir(),
		MemoryBudget:  1 << 20,
		DiskThreshold: 1 << 10,
	})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	light := &fakeLight{content: content}
	router := transport.NewRouter(transport.Ceilings{
		LightUpload:   1 << 20,
		LightDownload: 1 << 20,
		MaxFileSize:   1 << 30,
	}, nil)
	s := New(router, light, c, nil, 1<<20)
	a := testAsset(int64(len(content)))

	rc, _, err := s.ReadRange(context.Background(), a, 0, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	rc.Close() // waits for the mirror to settle

	if string(got) != string(content) {
		t.Errorf("body: got %q", got)
	}
	if !c.Contains("hash1") {
		t.Error("whole-object read was not mirrored into the cache")
	}

	// second read is served locally
	data := readAll(t, s, a, 0, int64(len(content)))
	if !strings.HasPrefix(string(data), "mirror") {
		t.Errorf("cached reread: got %q", data)
	}
}
