package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.deepseek.com"

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds non-streaming requests. Streams are bounded only by
	// their context.
	Timeout time.Duration
	// Verbose logs full requests and responses at debug level.
	Verbose    bool
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to an OpenAI-compatible chat completions API.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	log     *slog.Logger
}

func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "completion")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Verbose {
		base := httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		wrapped := *httpClient
		wrapped.Transport = &loggingTransport{base: base, log: logger}
		httpClient = &wrapped
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		http:    httpClient,
		log:     logger,
	}
}

// BaseURL returns the API base the client was configured with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func urlJoin(base, rel string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	relURL, err := url.Parse(rel)
	if err != nil {
		return "", err
	}

	if relURL.Scheme != "" && relURL.Host != "" {
		return rel, nil
	}

	result := &url.URL{
		Scheme: baseURL.Scheme,
		User:   baseURL.User,
		Host:   baseURL.Host,
		Path:   path.Join(baseURL.Path, relURL.Path),
	}

	return result.String(), nil
}

// encode builds the JSON body; Extra keys take precedence over the typed
// fields.
func encode(req Request) ([]byte, error) {
	wire := wireRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ResponseFormat != "" {
		wire.ResponseFormat = map[string]string{"type": req.ResponseFormat}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	if len(req.Extra) == 0 {
		return body, nil
	}

	merged := map[string]interface{}{}
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, err
	}
	for k, v := range req.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (c *Client) post(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	chatURL, err := urlJoin(c.baseURL, "/chat/completions")
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// Complete performs a non-streaming request and returns the first choice's
// content.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	req.Stream = false
	body, err := encode(req)
	if err != nil {
		return "", err
	}
	return c.complete(ctx, body)
}

func (c *Client) complete(ctx context.Context, body []byte) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.post(ctx, body, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var respBody completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(respBody.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from API")
	}
	return respBody.Choices[0].Message.Content, nil
}

// ListModels returns the models the API offers.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	modelsURL, err := urlJoin(c.baseURL, "models")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return list.Data, nil
}

type loggingTransport struct {
	base http.RoundTripper
	log  *slog.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var reqBody []byte
	if req.Body != nil {
		var err error
		reqBody, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(reqBody))
	}
	t.log.Debug("http request", "method", req.Method, "url", req.URL.String(), "body", string(reqBody))

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.log.Debug("http error", "url", req.URL.String(), "error", err)
		return nil, err
	}

	// Buffering would defeat streaming.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.log.Debug("http response", "status", resp.Status, "content_type", "text/event-stream")
		return resp, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(respBody))
	t.log.Debug("http response", "status", resp.Status, "body", string(respBody))

	return resp, nil
}
