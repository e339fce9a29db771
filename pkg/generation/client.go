package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatterbox/pkg/chat"
)

const (
	DefaultEndpoint       = "/api/v1/chat/completions"
	DefaultModelsEndpoint = "/api/v1/models"
	DefaultHealthEndpoint = "/api/v1/health"

	maxErrorBody = 4096
)

// Request is the JSON body posted to the generation endpoint.
type Request struct {
	Message             string      `json:"message"`
	Model               string      `json:"model"`
	ConversationHistory []chat.Turn `json:"conversation_history"`
	Stream              bool        `json:"stream"`
}

// Streamer opens a streaming generation response. The returned body yields
// raw `data: ` framed bytes and must be closed by the caller.
type Streamer interface {
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
}

type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextWindow int    `json:"context_window"`
	MaxTokens     int    `json:"max_tokens"`
}

type ModelCatalog struct {
	Models       []Model `json:"models"`
	DefaultModel string  `json:"default_model"`
}

type HealthStatus struct {
	Status          string   `json:"status" yaml:"status"`
	Timestamp       string   `json:"timestamp" yaml:"timestamp"`
	UpstreamStatus  string   `json:"openai_api_status" yaml:"openai_api_status"`
	AvailableModels []string `json:"available_models" yaml:"available_models"`
}

// Client talks to a generation server over HTTP.
type Client struct {
	baseURL    *url.URL
	endpoint   string
	httpClient *http.Client
}

var _ Streamer = &Client{}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

func WithEndpoint(endpoint string) ClientOption {
	return func(cl *Client) {
		if strings.TrimSpace(endpoint) != "" {
			cl.endpoint = endpoint
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("generation client: empty base url")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "generation client: parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("generation client: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL: u,
		// no client-wide timeout: a streaming body may legitimately stay open for minutes
		httpClient: &http.Client{},
		endpoint:   DefaultEndpoint,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolve(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = ""
	return u.String()
}

func (c *Client) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal generation request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(c.endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{Op: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Op: "request", Err: err}
	}
	log.Debug().Str("component", "generation").Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("generation response received")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		return nil, newStatusError(resp.StatusCode, errorDetail(resp.Body))
	}
	if resp.Body == nil {
		return nil, &NetworkError{Op: "read", Err: errors.New("response has no body")}
	}
	return resp.Body, nil
}

// errorDetail extracts the `error` field of a JSON error body, if any.
func errorDetail(r io.Reader) string {
	if r == nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.Error)
}

func (c *Client) ListModels(ctx context.Context) (*ModelCatalog, error) {
	out := &ModelCatalog{}
	if err := c.getJSON(ctx, DefaultModelsEndpoint, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	out := &HealthStatus{}
	if err := c.getJSON(ctx, DefaultHealthEndpoint, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, into any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return &NetworkError{Op: "build request", Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &NetworkError{Op: "request", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(resp.StatusCode, errorDetail(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return &NetworkError{Op: "decode " + path, Err: err}
	}
	return nil
}
