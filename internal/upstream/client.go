package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"offline-sync-service/internal/config"
)

// Client talks to the backend REST API the engine fronts. Tokens are
// opaque strings passed through as bearer credentials; the engine never
// inspects them.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(cfg config.UpstreamConfig) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream base URL %q must be absolute", cfg.BaseURL)
	}

	return &Client{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		HTTP:    &http.Client{Timeout: cfg.GetRequestTimeout()},
	}, nil
}

// Resolve joins a request path onto the upstream base URL. Absolute URLs
// pass through unchanged, so replayed actions hit their original target.
func (c *Client) Resolve(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return c.BaseURL + "/" + strings.TrimLeft(target, "/")
}

// Do issues a request verbatim: method, resolved URL, headers and body
// exactly as the caller supplied them.
func (c *Client) Do(ctx context.Context, method, target string, headers map[string]string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Resolve(target), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	return c.HTTP.Do(req)
}

// Get fetches target with an optional bearer token and returns the body.
// A non-nil error means the network call itself failed; HTTP status is
// the caller's to interpret.
func (c *Client) Get(ctx context.Context, target, token string) (int, []byte, error) {
	headers := map[string]string{"Accept": "application/json"}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	resp, err := c.Do(ctx, http.MethodGet, target, headers, nil)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read upstream body: %w", err)
	}
	return resp.StatusCode, payload, nil
}

// Push sends a JSON payload with the given method and bearer token.
func (c *Client) Push(ctx context.Context, method, target, token string, payload []byte) (int, []byte, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	resp, err := c.Do(ctx, method, target, headers, payload)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read upstream body: %w", err)
	}
	return resp.StatusCode, body, nil
}
