package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/sjson"
)

const (
	completionsPath = "/v1/chat/completions"

	// DefaultTimeout bounds a whole non-streaming exchange. On the
	// streaming path it bounds response headers only, since a healthy
	// stream may legitimately outlive it.
	DefaultTimeout = 30 * time.Second
)

// API is the surface the gateway needs from the chat-completions upstream.
type API interface {
	Chat(ctx context.Context, req *Request) (*Completion, error)
	ChatStream(ctx context.Context, req *Request) (*StreamHandle, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	GetModel(ctx context.Context, id string) (*ModelInfo, error)
	Health(ctx context.Context) error
}

// StreamHandle is a live upstream stream. The caller owns Body and must
// close it; bytes arrive in transport-sized chunks with no framing
// guarantees.
type StreamHandle struct {
	Body        io.ReadCloser
	ContentType string
}

// Client talks to a single OpenAI-compatible upstream. Chat completions go
// over plain HTTP so the raw byte stream and extension fields (engine
// timings) stay visible; model discovery rides the official SDK.
type Client struct {
	baseURL string
	apiKey  string

	http      *http.Client
	streaming *http.Client
	sdk       openaiSDK.Client
	log       *slog.Logger
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
		c.streaming.Transport = &http.Transport{ResponseHeaderTimeout: d}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New builds a client for the upstream at baseURL (scheme://host:port,
// no path).
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		http:      &http.Client{Timeout: DefaultTimeout},
		streaming: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: DefaultTimeout}},
		log:       slog.Default(),
	}

	for _, o := range opts {
		o(c)
	}

	c.sdk = openaiSDK.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL+"/v1/"),
		option.WithHTTPClient(c.http),
		option.WithMaxRetries(0),
	)

	return c
}

// Chat performs one non-streaming completion call. The request body is
// forced out of stream mode regardless of req.Stream: a compliant
// upstream answers stream:true with an SSE body, which the blocking
// decode here cannot consume. A non-2xx reply comes back as *HTTPError
// carrying the verbatim upstream status and body.
func (c *Client) Chat(ctx context.Context, req *Request) (*Completion, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}
	if body, err = sjson.DeleteBytes(body, "stream"); err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}

	resp, err := c.post(ctx, c.http, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out Completion
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("upstream: decode response: %w", err)
	}
	return &out, nil
}

// ChatStream performs one streaming completion call. The request body is
// forced to stream mode regardless of req.Stream.
func (c *Client) ChatStream(ctx context.Context, req *Request) (*StreamHandle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}
	if body, err = sjson.SetBytes(body, "stream", true); err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}

	resp, err := c.post(ctx, c.streaming, body)
	if err != nil {
		return nil, err
	}

	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return &StreamHandle{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (c *Client) post(ctx context.Context, hc *http.Client, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return &HTTPError{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}
}

// ListModels returns the upstream model catalog.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	page, err := c.sdk.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("upstream: list models: %w", sdkError(err))
	}

	models := make([]ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, ModelInfo{
			ID:      m.ID,
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		})
	}
	return models, nil
}

// GetModel looks up a single model by ID. An unknown model yields
// ErrNotFound.
func (c *Client) GetModel(ctx context.Context, id string) (*ModelInfo, error) {
	m, err := c.sdk.Models.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("upstream: get model: %w", sdkError(err))
	}
	return &ModelInfo{ID: m.ID, Created: m.Created, OwnedBy: m.OwnedBy}, nil
}

// Health probes the upstream by listing models.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.sdk.Models.List(ctx); err != nil {
		return fmt.Errorf("upstream: health check: %w", sdkError(err))
	}
	return nil
}

func sdkError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		return &HTTPError{
			StatusCode:  apiErr.StatusCode,
			Body:        []byte(apiErr.Error()),
			ContentType: "text/plain; charset=utf-8",
		}
	}
	return err
}
