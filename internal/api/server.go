// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/televault/televault/internal/index"
	"github.com/televault/televault/internal/logging"
	"github.com/televault/televault/internal/metrics"
	"github.com/televault/televault/internal/stream"
	"github.com/televault/televault/internal/transport"
	"github.com/televault/televault/internal/vault"
)

// Server is the HTTP front end over the vault.
type Server struct {
	vault         *vault.Vault
	maxUploadSize int64
	spoolDir      string
}

// NewServer creates the server. Uploads larger than maxUploadSize are
// rejected before any transfer. spoolDir receives upload temp files.
func NewServer(v *vault.Vault, maxUploadSize int64, spoolDir string) *Server {
	return &Server{vault: v, maxUploadSize: maxUploadSize, spoolDir: spoolDir}
}

// Handler returns the routed HTTP handler with logging and metrics
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/v1/upload", s.handleUpload)
	mux.HandleFunc("GET /api/v1/assets", s.handleListAssets)
	mux.HandleFunc("GET /api/v1/assets/{id}", s.handleGetAsset)
	mux.HandleFunc("POST /api/v1/assets/{id}/invalidate", s.handleInvalidate)
	mux.HandleFunc("PUT /api/v1/assets/{id}/collection", s.handleSetCollection)

	mux.HandleFunc("GET /api/v1/namespace", s.handleNamespace)
	mux.HandleFunc("GET /api/v1/namespace/{path...}", s.handleNamespace)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	mux.HandleFunc("GET /content/{id}", s.handleContent)

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleUpload accepts a multipart form with a "file" part and an optional
// "collection" field. The upload is spooled to disk first so it can be
// hashed before any transfer happens.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > 0 && s.maxUploadSize > 0 && r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload exceeds limit of %d bytes", s.maxUploadSize))
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "multipart form required")
		return
	}

	var (
		collection string
		fileName   string
		spooled    string
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		switch part.FormName() {
		case "collection":
			v, _ := io.ReadAll(io.LimitReader(part, 1024))
			collection = string(v)
		case "file":
			fileName = filepath.Base(part.FileName())
			spooled, err = s.spool(part)
			if err != nil {
				s.sendError(w, http.StatusInternalServerError, "failed to store upload")
				return
			}
			defer os.Remove(spooled)
		}
		part.Close()
	}

	if spooled == "" {
		s.sendError(w, http.StatusBadRequest, "file part required")
		return
	}

	asset, existed, err := s.vault.UploadFile(r.Context(), vault.UploadRequest{
		Path:        spooled,
		DisplayName: fileName,
		Collection:  collection,
	})
	if err != nil {
		s.sendVaultError(w, r, err)
		return
	}

	if err := s.vault.RefreshNamespace(r.Context()); err != nil {
		logging.Warn("namespace refresh after upload failed", zap.Error(err))
	}

	// a deduplicated upload answers 200, a fresh one 201
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(asset)
}

func (s *Server) spool(r io.Reader) (string, error) {
	f, err := os.CreateTemp(s.spoolDir, "upload-*")
	if err != nil {
		return "", err
	}
	src := r
	if s.maxUploadSize > 0 {
		src = io.LimitReader(r, s.maxUploadSize+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if s.maxUploadSize > 0 && n > s.maxUploadSize {
		os.Remove(f.Name())
		return "", transport.ErrTooLarge
	}
	return f.Name(), nil
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.vault.Store.ListAll(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"assets": assets})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := s.assetID(w, r)
	if !ok {
		return
	}
	asset, err := s.vault.Asset(r.Context(), id)
	if err != nil {
		s.sendVaultError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(asset)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.assetID(w, r)
	if !ok {
		return
	}
	if err := s.vault.InvalidateCache(r.Context(), id); err != nil {
		s.sendVaultError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetCollection(w http.ResponseWriter, r *http.Request) {
	id, ok := s.assetID(w, r)
	if !ok {
		return
	}
	var body struct {
		Collection string `json:"collection"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.vault.SetCollection(r.Context(), id, body.Collection); err != nil {
		s.sendVaultError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// namespaceEntry is the JSON shape of one tree node.
type namespaceEntry struct {
	Name    string `json:"name"`
	IsDir   bool   `json:"isDir"`
	AssetID int64  `json:"assetId,omitempty"`
	Size    int64  `json:"size,omitempty"`
	MIME    string `json:"mimeType,omitempty"`
}

func (s *Server) handleNamespace(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	snap := s.vault.Namespace()
	children, ok := snap.List(path)
	if !ok {
		s.sendError(w, http.StatusNotFound, "path not found: "+path)
		return
	}

	entries := make([]namespaceEntry, 0, len(children))
	for _, n := range children {
		e := namespaceEntry{Name: n.Name, IsDir: n.IsDir}
		if n.Asset != nil {
			e.AssetID = n.Asset.ID
			e.Size = n.Asset.ByteSize
			e.MIME = n.Asset.MIMEType
		}
		entries = append(entries, e)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"path": path, "entries": entries})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.vault.Stats(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleContent serves asset bytes with Range support.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.assetID(w, r)
	if !ok {
		return
	}
	asset, err := s.vault.Asset(r.Context(), id)
	if err != nil {
		s.sendVaultError(w, r, err)
		return
	}

	offset, length, hasRange, valid := parseRangeHeader(r.Header.Get("Range"), asset.ByteSize)
	if !valid {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", asset.ByteSize))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
		return
	}

	reader, n, err := s.vault.ReadAssetRange(r.Context(), asset, offset, length)
	if err != nil {
		s.sendVaultError(w, r, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", asset.MIMEType)
	w.Header().Set("ETag", `"`+asset.ContentHash+`"`)
	if hasRange {
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", offset, offset+n-1, asset.ByteSize))
		w.Header().Set("Content-Length", strconv.FormatInt(n, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(asset.ByteSize, 10))
		w.WriteHeader(http.StatusOK)
	}

	io.Copy(w, reader)
}

var rangeRe = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// parseRangeHeader interprets a single-range header. valid is false when
// the header names a window outside the object; the handler answers 416.
func parseRangeHeader(rangeHeader string, totalSize int64) (offset, length int64, hasRange, valid bool) {
	if rangeHeader == "" {
		return 0, totalSize, false, true
	}

	matches := rangeRe.FindStringSubmatch(rangeHeader)
	if matches == nil {
		// unparseable ranges are ignored, the full object is served
		return 0, totalSize, false, true
	}

	startStr, endStr := matches[1], matches[2]
	if startStr == "" && endStr == "" {
		return 0, totalSize, false, true
	}

	// suffix form: last N bytes
	if startStr == "" {
		suffix, _ := strconv.ParseInt(endStr, 10, 64)
		if suffix <= 0 {
			return 0, 0, true, false
		}
		if suffix > totalSize {
			suffix = totalSize
		}
		return totalSize - suffix, suffix, true, true
	}

	offset, _ = strconv.ParseInt(startStr, 10, 64)
	if offset >= totalSize {
		return 0, 0, true, false
	}

	if endStr == "" {
		return offset, totalSize - offset, true, true
	}
	end, _ := strconv.ParseInt(endStr, 10, 64)
	if end < offset {
		return 0, 0, true, false
	}
	if end >= totalSize {
		end = totalSize - 1
	}
	return offset, end - offset + 1, true, true
}

func (s *Server) assetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.sendError(w, http.StatusBadRequest, "invalid asset id")
		return 0, false
	}
	return id, true
}

// sendVaultError maps service errors onto HTTP statuses.
func (s *Server) sendVaultError(w http.ResponseWriter, r *http.Request, err error) {
	var rateErr *transport.RateLimitError
	switch {
	case errors.Is(err, vault.ErrNotFound), errors.Is(err, index.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "not found")
	case errors.Is(err, vault.ErrEmpty):
		s.sendError(w, http.StatusBadRequest, "empty file")
	case errors.Is(err, transport.ErrTooLarge):
		s.sendError(w, http.StatusRequestEntityTooLarge, "file too large for any transport")
	case errors.Is(err, stream.ErrOutOfRange):
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
	case errors.Is(err, transport.ErrTransportUnavailable):
		s.sendError(w, http.StatusServiceUnavailable, "transport unavailable")
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.After.Seconds())))
		s.sendError(w, http.StatusServiceUnavailable, "rate limited by backend")
	case errors.Is(err, transport.ErrRemoteFailure), errors.Is(err, transport.ErrHandleExpired):
		s.sendError(w, http.StatusBadGateway, "backend error")
	default:
		logging.Error("request failed",
			zap.String("request_id", logging.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}
