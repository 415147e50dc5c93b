package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/televault/televault/internal/logging"
	"github.com/televault/televault/internal/media"
)

// RelayConfig configures the light-transport relay client.
type RelayConfig struct {
	BaseURL   string // relay API root, e.g. https://relay.example.com
	Token     string // channel access token
	ChannelID int64
	Timeout   time.Duration // per-request timeout, default 120s
}

// RelayClient is the light transport: one HTTP request per operation,
// hard size ceilings enforced by the relay on both directions.
type RelayClient struct {
	cfg  RelayConfig
	http *http.Client
}

// NewRelayClient builds the light-transport client.
func NewRelayClient(cfg RelayConfig) *RelayClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &RelayClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// relay API wire types
type relayEnvelope struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	RetryAfter  int             `json:"retry_after,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type relayUploadResult struct {
	Handle   string `json:"handle"`
	Sequence int64  `json:"sequence"`
}

type relayResolveResult struct {
	URL string `json:"url"`
}

// endpoint maps an upload mode to its relay method name.
func endpoint(mode media.UploadMode) string {
	switch mode {
	case media.ModePhoto:
		return "sendPhoto"
	case media.ModeVideo:
		return "sendVideo"
	case media.ModeAnimation:
		return "sendAnimation"
	default:
		return "sendDocument"
	}
}

// fieldName is the multipart field the relay expects for each mode.
func fieldName(mode media.UploadMode) string {
	switch mode {
	case media.ModePhoto:
		return "photo"
	case media.ModeVideo:
		return "video"
	case media.ModeAnimation:
		return "animation"
	default:
		return "document"
	}
}

// UploadSmall sends the object through the mode-specific relay endpoint.
// The multipart body is streamed through a pipe, never buffered whole.
func (c *RelayClient) UploadSmall(ctx context.Context, r io.Reader, name, mimeType string, mode media.UploadMode, size int64) (*UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile(fieldName(mode), name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("channel_id", fmt.Sprintf("%d", c.cfg.ChannelID)); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	url := fmt.Sprintf("%s/relay%s/%s", c.cfg.BaseURL, c.cfg.Token, endpoint(mode))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFailure, err)
	}
	defer resp.Body.Close()

	env, err := decodeEnvelope(resp)
	if err != nil {
		return nil, err
	}

	var result relayUploadResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed upload result: %v", ErrRemoteFailure, err)
	}
	if result.Handle == "" {
		return nil, fmt.Errorf("%w: upload returned no handle", ErrRemoteFailure)
	}

	logging.Debug("light upload complete",
		zap.String("name", name),
		zap.Int64("size", size),
		zap.String("mode", string(mode)))

	return &UploadResult{
		Handle:   result.Handle,
		Location: Location{ChannelID: c.cfg.ChannelID, Sequence: result.Sequence},
	}, nil
}

// ResolveDownloadURL exchanges a handle for a short-lived CDN URL.
func (c *RelayClient) ResolveDownloadURL(ctx context.Context, handle string) (string, error) {
	url := fmt.Sprintf("%s/relay%s/getFile?handle=%s", c.cfg.BaseURL, c.cfg.Token, handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRemoteFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return "", ErrHandleExpired
	}

	env, err := decodeEnvelope(resp)
	if err != nil {
		return "", err
	}

	var result relayResolveResult
	if err := json.Unmarshal(env.Result, &result); err != nil || result.URL == "" {
		return "", fmt.Errorf("%w: malformed resolve result", ErrRemoteFailure)
	}
	return result.URL, nil
}

// FetchRange streams a byte range from a resolved download URL. The relay's
// CDN supports native Range semantics on this path.
func (c *RelayClient) FetchRange(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if offset > 0 || length > 0 {
		if length > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFailure, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: fetch status %d", ErrRemoteFailure, resp.StatusCode)
	}
	return resp.Body, nil
}

// decodeEnvelope turns a relay response into success or a typed error.
func decodeEnvelope(resp *http.Response) (*relayEnvelope, error) {
	var env relayEnvelope
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrRemoteFailure, err)
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: status %d", ErrRemoteFailure, resp.StatusCode)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		after := time.Duration(env.RetryAfter) * time.Second
		if after == 0 {
			after = 30 * time.Second
		}
		return nil, &RateLimitError{After: after}
	}

	if resp.StatusCode == http.StatusBadRequest &&
		strings.Contains(env.Description, "PHOTO_INVALID_DIMENSIONS") {
		return nil, ErrPhotoRejected
	}

	if resp.StatusCode != http.StatusOK || !env.OK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRemoteFailure, resp.StatusCode, env.Description)
	}
	return &env, nil
}

var _ Light = (*RelayClient)(nil)
