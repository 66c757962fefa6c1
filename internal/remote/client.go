package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"streamvault/internal/models"
)

const (
	streamsPath    = "/api/streams"
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 32 << 20

	// PingTimeout bounds a connection test
	PingTimeout = 5 * time.Second
)

// Client talks to the optional companion server. The address can change
// while requests are running.
type Client struct {
	mu         sync.RWMutex
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError represents a non-2xx answer from the companion server
type APIError struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote API error (code %d): %s", e.StatusCode, e.StatusMessage)
}

// NewClient creates a client with a bounded request timeout
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return NewClientWithHTTP(baseURL, token, &http.Client{Timeout: timeout})
}

// NewClientWithHTTP creates a client with a custom HTTP client
func NewClientWithHTTP(baseURL, token string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

// SetBaseURL switches the server address. An empty address disables the client.
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// BaseURL returns the configured server address
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// NormalizeBaseURL validates an http(s) server address and trims trailing slashes.
func NormalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server address: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid server address %q: expected http(s)://host", raw)
	}
	return raw, nil
}

// Ping checks that baseURL answers GET /api/streams with a 2xx status. An
// empty baseURL tests the current address.
func (c *Client) Ping(ctx context.Context, baseURL string) error {
	if baseURL == "" {
		baseURL = c.BaseURL()
	}
	if baseURL == "" {
		return fmt.Errorf("remote base URL not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	req, err := c.buildRequest(ctx, http.MethodGet, strings.TrimRight(baseURL, "/"), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable: %w", err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	return c.checkResponse(resp)
}

// FetchStreams calls GET <base>/api/streams
func (c *Client) FetchStreams(ctx context.Context) ([]models.StreamRecord, error) {
	req, err := c.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch streams: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return nil, err
	}

	var records []models.StreamRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode streams response: %w", err)
	}
	if records == nil {
		// "null" is not a collection
		return nil, fmt.Errorf("failed to decode streams response: expected array")
	}

	return records, nil
}

// PushStreams calls POST <base>/api/streams with the full collection
func (c *Client) PushStreams(ctx context.Context, records []models.StreamRecord) error {
	if records == nil {
		records = []models.StreamRecord{}
	}
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode streams: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to push streams: %w", err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	return c.checkResponse(resp)
}

func (c *Client) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	baseURL := c.BaseURL()
	if baseURL == "" {
		return nil, fmt.Errorf("remote base URL not configured")
	}
	return c.buildRequest(ctx, method, baseURL, body)
}

func (c *Client) buildRequest(ctx context.Context, method, baseURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, baseURL+streamsPath, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// checkResponse checks the HTTP response for errors
func (c *Client) checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &APIError{
			StatusCode:    resp.StatusCode,
			StatusMessage: fmt.Sprintf("HTTP %d: failed to read error response", resp.StatusCode),
		}
	}

	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.StatusMessage == "" {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{
			StatusCode:    resp.StatusCode,
			StatusMessage: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg),
		}
	}

	apiErr.StatusCode = resp.StatusCode
	return &apiErr
}
