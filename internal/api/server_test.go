package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/televault/televault/internal/cache"
	"github.com/televault/televault/internal/index"
	"github.com/televault/televault/internal/media"
	"github.com/televault/televault/internal/transport"
	"github.com/televault/televault/internal/vault"
)

// memLight stores uploads in memory and serves ranges back out, standing in
// for the relay.
type memLight struct {
	mu      sync.Mutex
	objects map[string][]byte // handle -> content
	nextSeq int64
}

func newMemLight() *memLight {
	return &memLight{objects: make(map[string][]byte)}
}

func (m *memLight) UploadSmall(ctx context.Context, r io.Reader, name, mimeType string, mode media.UploadMode, size int64) (*transport.UploadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	handle := fmt.Sprintf("handle-%d", m.nextSeq)
	m.objects[handle] = data
	return &transport.UploadResult{
		Handle:   handle,
		Location: transport.Location{ChannelID: 1, Sequence: m.nextSeq},
	}, nil
}

func (m *memLight) ResolveDownloadURL(ctx context.Context, handle string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[handle]; !ok {
		return "", transport.ErrHandleExpired
	}
	return handle, nil
}

func (m *memLight) FetchRange(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error) {
	m.mu.Lock()
	data, ok := m.objects[url]
	m.mu.Unlock()
	if !ok {
		return nil, transport.ErrHandleExpired
	}
	end := offset + length
	if length <= 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

func newTestServer(t *testing.T) (*httptest.Server, *vault.Vault) {
	t.Helper()

	store, err := index.OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c, err := cache.New(cache.Config{
		Dir:           t.TempDir(),
		MemoryBudget:  1 << 20,
		DiskThreshold: 1 << 19,
	})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	light := newMemLight()
	router := transport.NewRouter(transport.Ceilings{
		LightUpload:   1 << 20,
		LightDownload: 1 << 20,
		MaxFileSize:   1 << 24,
	}, nil)

	v := vault.New(store, c, router, light, 1<<20, time.Minute)
	if err := v.RefreshNamespace(context.Background()); err != nil {
		t.Fatalf("RefreshNamespace: %v", err)
	}

	srv := httptest.NewServer(NewServer(v, 1<<24, t.TempDir()).Handler())
	t.Cleanup(srv.Close)
	return srv, v
}

func uploadFileStatus(t *testing.T, srv *httptest.Server, name, collection string, content []byte) (index.Asset, int) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if collection != "" {
		mw.WriteField("collection", collection)
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write(content)
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/v1/upload", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status %d: %s", resp.StatusCode, raw)
	}

	var asset index.Asset
	if err := json.NewDecoder(resp.Body).Decode(&asset); err != nil {
		t.Fatalf("decode asset: %v", err)
	}
	return asset, resp.StatusCode
}

func uploadFile(t *testing.T, srv *httptest.Server, name, collection string, content []byte) index.Asset {
	t.Helper()
	asset, status := uploadFileStatus(t, srv, name, collection, content)
	if status != http.StatusCreated {
		t.Fatalf("upload status: got %d, want 201", status)
	}
	return asset
}

func TestServer_UploadAndDownload(t *testing.T) {
	srv, _ := newTestServer(t)

	content := []byte("the full object body")
	asset := uploadFile(t, srv, "notes.txt", "docs", content)

	if asset.ID == 0 {
		t.Fatal("upload returned no asset id")
	}
	if asset.Collection != "docs" {
		t.Errorf("collection: got %q", asset.Collection)
	}

	resp, err := http.Get(fmt.Sprintf("%s/content/%d", srv.URL, asset.ID))
	if err != nil {
		t.Fatalf("GET content: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges: got %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, content) {
		t.Errorf("body mismatch: got %q", body)
	}
}

func TestServer_UploadDeduplicates(t *testing.T) {
	srv, _ := newTestServer(t)

	content := []byte("same bytes twice")
	first, firstStatus := uploadFileStatus(t, srv, "one.bin", "", content)
	second, secondStatus := uploadFileStatus(t, srv, "two.bin", "", content)

	if first.ID != second.ID {
		t.Errorf("dedup failed: ids %d and %d", first.ID, second.ID)
	}
	if firstStatus != http.StatusCreated {
		t.Errorf("first upload status: got %d, want 201", firstStatus)
	}
	if secondStatus != http.StatusOK {
		t.Errorf("deduplicated upload status: got %d, want 200", secondStatus)
	}
}

func TestServer_RangeRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	content := []byte("0123456789")
	asset := uploadFile(t, srv, "digits.txt", "", content)

	req, _ := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/content/%d", srv.URL, asset.ID), nil)
	req.Header.Set("Range", "bytes=2-5")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status: got %d, want 206", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 2-5/10" {
		t.Errorf("Content-Range: got %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "2345" {
		t.Errorf("body: got %q, want %q", body, "2345")
	}
}

func TestServer_SuffixRange(t *testing.T) {
	srv, _ := newTestServer(t)
	asset := uploadFile(t, srv, "digits.txt", "", []byte("0123456789"))

	req, _ := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/content/%d", srv.URL, asset.ID), nil)
	req.Header.Set("Range", "bytes=-3")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status: got %d, want 206", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "789" {
		t.Errorf("body: got %q, want %q", body, "789")
	}
}

func TestServer_UnsatisfiableRangeIs416(t *testing.T) {
	srv, _ := newTestServer(t)
	asset := uploadFile(t, srv, "digits.txt", "", []byte("0123456789"))

	req, _ := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/content/%d", srv.URL, asset.ID), nil)
	req.Header.Set("Range", "bytes=50-60")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status: got %d, want 416", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes */10" {
		t.Errorf("Content-Range: got %q", got)
	}
}

func TestServer_UnknownAssetIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/content/9999")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestServer_EmptyUploadIs400(t *testing.T) {
	srv, _ := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "empty.bin")
	_ = part
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/v1/upload", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestServer_NamespaceListing(t *testing.T) {
	srv, _ := newTestServer(t)
	uploadFile(t, srv, "a.txt", "letters", []byte("aaa"))
	uploadFile(t, srv, "b.txt", "letters", []byte("bbb"))

	resp, err := http.Get(srv.URL + "/api/v1/namespace/letters")
	if err != nil {
		t.Fatalf("GET namespace: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}

	var listing struct {
		Entries []namespaceEntry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(listing.Entries))
	}
	for _, e := range listing.Entries {
		if e.IsDir || e.AssetID == 0 || e.Size != 3 {
			t.Errorf("bad entry: %+v", e)
		}
	}
}

func TestServer_InvalidateAndStats(t *testing.T) {
	srv, v := newTestServer(t)
	asset := uploadFile(t, srv, "c.bin", "", []byte("cache me"))

	// pull the object through once so it lands in the cache
	resp, err := http.Get(fmt.Sprintf("%s/content/%d", srv.URL, asset.ID))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// the cache mirror settles just after the response body ends
	deadline := time.Now().Add(2 * time.Second)
	for !v.Cache.Contains(asset.ContentHash) {
		if time.Now().After(deadline) {
			t.Fatal("download did not populate the cache")
		}
		time.Sleep(10 * time.Millisecond)
	}

	inv, err := http.Post(fmt.Sprintf("%s/api/v1/assets/%d/invalidate", srv.URL, asset.ID),
		"", nil)
	if err != nil {
		t.Fatalf("POST invalidate: %v", err)
	}
	inv.Body.Close()
	if inv.StatusCode != http.StatusNoContent {
		t.Fatalf("invalidate status: got %d, want 204", inv.StatusCode)
	}
	if v.Cache.Contains(asset.ContentHash) {
		t.Error("cache entry survived invalidation")
	}

	st, err := http.Get(srv.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer st.Body.Close()
	var stats vault.Stats
	if err := json.NewDecoder(st.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Index.Assets != 1 {
		t.Errorf("indexed assets: got %d, want 1", stats.Index.Assets)
	}
}
