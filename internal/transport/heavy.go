package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/televault/televault/internal/logging"
	"github.com/televault/televault/internal/media"
)

// DefaultBlockSize is the fixed granularity of heavy-transport reads.
const DefaultBlockSize = 1 << 20 // 1 MiB

// SessionConfig configures the heavy-transport client.
type SessionConfig struct {
	BaseURL   string
	APIKey    string // empty disables the heavy transport entirely
	ChannelID int64

	Sessions         int           // pool size, default 2
	EstablishTimeout time.Duration // default 30s
	BlockSize        int64         // default DefaultBlockSize
}

// session is one authenticated relay session. A session handle is owned by
// exactly one in-flight operation at a time.
type session struct {
	token string
}

// SessionClient is the heavy transport. Session handles live in a pool;
// operations acquire one exclusively and return it when done, so concurrent
// callers never interleave requests on the same session.
type SessionClient struct {
	cfg  SessionConfig
	pool chan *session // nil entry = slot without an established session
	http *http.Client
}

// NewSessionClient builds the heavy-transport client. Sessions are
// established lazily on first use, not at construction.
func NewSessionClient(cfg SessionConfig) *SessionClient {
	if cfg.Sessions <= 0 {
		cfg.Sessions = 2
	}
	if cfg.EstablishTimeout == 0 {
		cfg.EstablishTimeout = 30 * time.Second
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}

	pool := make(chan *session, cfg.Sessions)
	for i := 0; i < cfg.Sessions; i++ {
		pool <- nil
	}

	return &SessionClient{
		cfg:  cfg,
		pool: pool,
		http: &http.Client{},
	}
}

// Available reports whether the heavy transport is configured.
func (c *SessionClient) Available() bool {
	return c.cfg.APIKey != ""
}

// BlockSize returns the fixed read granularity.
func (c *SessionClient) BlockSize() int64 {
	return c.cfg.BlockSize
}

// acquire takes an exclusive session slot from the pool, establishing a
// session for the slot if it has none yet. A slot that cannot be established
// within the configured window is treated as unavailable.
func (c *SessionClient) acquire(ctx context.Context) (*session, error) {
	if !c.Available() {
		return nil, ErrTransportUnavailable
	}

	var s *session
	select {
	case s = <-c.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if s != nil {
		return s, nil
	}

	s, err := c.establish(ctx)
	if err != nil {
		c.pool <- nil // return the empty slot
		return nil, err
	}
	return s, nil
}

// release returns a session slot to the pool. Pass nil to drop a session
// that failed mid-operation so the next caller establishes a fresh one.
func (c *SessionClient) release(s *session) {
	c.pool <- s
}

func (c *SessionClient) establish(ctx context.Context) (*session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EstablishTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/session/open", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: establish: %v", ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: establish status %d", ErrTransportUnavailable, resp.StatusCode)
	}

	var result struct {
		Session string `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.Session == "" {
		return nil, fmt.Errorf("%w: malformed session response", ErrTransportUnavailable)
	}

	logging.Debug("heavy session established")
	return &session{token: result.Session}, nil
}

// UploadLarge streams the object through an exclusive session.
func (c *SessionClient) UploadLarge(ctx context.Context, r io.Reader, name, mimeType string, mode media.UploadMode, size int64) (*UploadResult, error) {
	s, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("mode", string(mode)); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	url := fmt.Sprintf("%s/session/%s/channels/%d/upload",
		c.cfg.BaseURL, s.token, c.cfg.ChannelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		c.release(s)
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		c.release(nil) // session state is suspect, drop it
		return nil, fmt.Errorf("%w: %v", ErrRemoteFailure, err)
	}
	defer resp.Body.Close()
	c.release(s)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: upload status %d", ErrRemoteFailure, resp.StatusCode)
	}

	var result relayUploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: malformed upload result: %v", ErrRemoteFailure, err)
	}

	logging.Debug("heavy upload complete",
		zap.String("name", name),
		zap.Int64("size", size))

	return &UploadResult{
		Handle:   result.Handle,
		Location: Location{ChannelID: c.cfg.ChannelID, Sequence: result.Sequence},
	}, nil
}

// FetchBlock returns one fixed-size block of the object at loc.
func (c *SessionClient) FetchBlock(ctx context.Context, loc Location, blockIndex int64) ([]byte, error) {
	s, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/session/%s/channels/%d/messages/%d/blocks/%d",
		c.cfg.BaseURL, s.token, loc.ChannelID, loc.Sequence, blockIndex)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.release(s)
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.release(nil)
		return nil, fmt.Errorf("%w: %v", ErrRemoteFailure, err)
	}
	defer resp.Body.Close()
	c.release(s)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: block %d status %d", ErrRemoteFailure, blockIndex, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.BlockSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read block %d: %v", ErrRemoteFailure, blockIndex, err)
	}
	if int64(len(data)) > c.cfg.BlockSize {
		return nil, fmt.Errorf("%w: block %d longer than block size", ErrRemoteFailure, blockIndex)
	}
	return data, nil
}

// RefreshHandle re-reads the object's relay entry and returns the current
// light-transport handle for it.
func (c *SessionClient) RefreshHandle(ctx context.Context, loc Location) (string, error) {
	s, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/session/%s/channels/%d/messages/%d/handle",
		c.cfg.BaseURL, s.token, loc.ChannelID, loc.Sequence)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.release(s)
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.release(nil)
		return "", fmt.Errorf("%w: %v", ErrRemoteFailure, err)
	}
	defer resp.Body.Close()
	c.release(s)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: refresh handle status %d", ErrRemoteFailure, resp.StatusCode)
	}

	var result struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.Handle == "" {
		return "", fmt.Errorf("%w: malformed handle response", ErrRemoteFailure)
	}
	return result.Handle, nil
}

var _ Heavy = (*SessionClient)(nil)
