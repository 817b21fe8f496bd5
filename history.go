//go:generate go run go.uber.org/mock/mockgen -source=history.go -destination=mocks/mock_history.go -package=mocks
package livechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HistoryFetcher loads the snapshot a session is seeded with.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, topic, token string) ([]MessageRecord, error)
}

const (
	DefaultBaseURL     = "http://localhost:8080"
	DefaultHistoryPath = "/chat/history"
	DefaultTimeout     = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat backend's HTTP API.
type Client struct {
	baseURL     string
	historyPath string
	httpClient  *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithHistoryPath(path string) ClientOption {
	return func(c *Client) { c.historyPath = path }
}

// NewClient creates a client for the chat backend.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		historyPath: DefaultHistoryPath,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchHistory returns the stored messages of topic. The backend answers
// with a bare JSON array; a {"messages": [...]} wrapper is accepted too.
func (c *Client) FetchHistory(ctx context.Context, topic, token string) ([]MessageRecord, error) {
	query := map[string]string{}
	if topic != "" {
		query["topic"] = topic
	}
	data, err := c.doRequest(ctx, http.MethodGet, c.historyPath, token, query)
	if err != nil {
		return nil, &FetchError{Topic: topic, Err: err}
	}

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		wrapped, err := decodeJSON[struct {
			Messages []MessageRecord `json:"messages"`
		}](data)
		if err != nil {
			return nil, &FetchError{Topic: topic, Err: err}
		}
		return wrapped.Messages, nil
	}
	records, err := decodeJSON[[]MessageRecord](data)
	if err != nil {
		return nil, &FetchError{Topic: topic, Err: err}
	}
	return *records, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func (c *Client) doRequest(ctx context.Context, method, path, token string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
