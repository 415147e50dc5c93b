package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/televault/televault/internal/media"
)

func relayOK(result string) string {
	return fmt.Sprintf(`{"ok":true,"result":%s}`, result)
}

func TestRelayClient_UploadSmall(t *testing.T) {
	var gotField, gotChannel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendDocument") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		gotChannel = r.FormValue("channel_id")
		if _, hdr, err := r.FormFile("document"); err == nil {
			gotField = hdr.Filename
		}
		fmt.Fprint(w, relayOK(`{"handle":"h123","sequence":42}`))
	}))
	defer srv.Close()

	c := NewRelayClient(RelayConfig{BaseURL: srv.URL, Token: "tok", ChannelID: 7})
	body := []byte("file contents")
	result, err := c.UploadSmall(context.Background(), bytes.NewReader(body),
		"report.bin", "application/octet-stream", media.ModeDocument, int64(len(body)))
	if err != nil {
		t.Fatalf("UploadSmall: %v", err)
	}

	if result.Handle != "h123" {
		t.Errorf("handle: got %q", result.Handle)
	}
	if result.Location.Sequence != 42 || result.Location.ChannelID != 7 {
		t.Errorf("location: got %+v", result.Location)
	}
	if gotField != "report.bin" {
		t.Errorf("file part name: got %q", gotField)
	}
	if gotChannel != "7" {
		t.Errorf("channel_id field: got %q", gotChannel)
	}
}

func TestRelayClient_RateLimitSurfacesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"ok":false,"description":"Too Many Requests","retry_after":7}`)
	}))
	defer srv.Close()

	c := NewRelayClient(RelayConfig{BaseURL: srv.URL, Token: "tok", ChannelID: 1})
	_, err := c.UploadSmall(context.Background(), strings.NewReader("x"),
		"a.txt", "text/plain", media.ModeDocument, 1)

	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rateErr.After.Seconds() != 7 {
		t.Errorf("retry after: got %v, want 7s", rateErr.After)
	}
}

func TestRelayClient_PhotoDimensionsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"description":"Bad Request: PHOTO_INVALID_DIMENSIONS"}`)
	}))
	defer srv.Close()

	c := NewRelayClient(RelayConfig{BaseURL: srv.URL, Token: "tok", ChannelID: 1})
	_, err := c.UploadSmall(context.Background(), strings.NewReader("x"),
		"a.jpg", "image/jpeg", media.ModePhoto, 1)

	if !errors.Is(err, ErrPhotoRejected) {
		t.Fatalf("err = %v, want ErrPhotoRejected", err)
	}
}

func TestRelayClient_ResolveExpiredHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewRelayClient(RelayConfig{BaseURL: srv.URL, Token: "tok", ChannelID: 1})
	_, err := c.ResolveDownloadURL(context.Background(), "gone")
	if !errors.Is(err, ErrHandleExpired) {
		t.Fatalf("err = %v, want ErrHandleExpired", err)
	}
}

func TestRelayClient_FetchRangeSendsRangeHeader(t *testing.T) {
	content := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=2-5" {
			t.Errorf("Range header: got %q", got)
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[2:6])
	}))
	defer srv.Close()

	c := NewRelayClient(RelayConfig{BaseURL: srv.URL, Token: "tok", ChannelID: 1})
	rc, err := c.FetchRange(context.Background(), srv.URL+"/file", 2, 4)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "2345" {
		t.Errorf("body: got %q, want %q", got, "2345")
	}
}
