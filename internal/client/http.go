package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrSessionNotFound is returned by Cancel for ids the server does not know.
var ErrSessionNotFound = errors.New("session not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	Method string
	Path   string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Detail)
}

// HTTPClient makes REST calls to a plrelay server.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8000").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		// Download streams last as long as the playlist.
		stream: &http.Client{},
	}
}

type Health struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

// Health fetches /healthz.
func (c *HTTPClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Sessions fetches /sessions.
func (c *HTTPClient) Sessions(ctx context.Context) ([]string, error) {
	var out struct {
		ActiveSessions []string `json:"active_sessions"`
	}
	if err := c.get(ctx, "/sessions", &out); err != nil {
		return nil, err
	}
	return out.ActiveSessions, nil
}

// Cancel sends POST /cancel/{id} and returns the server's message.
func (c *HTTPClient) Cancel(ctx context.Context, sessionID string) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	err := c.post(ctx, "/cancel/"+url.PathEscape(sessionID), nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return "", err
	}
	return out.Message, nil
}

// Download opens GET /download and passes every frame to fn until the stream
// ends, fn fails or ctx is done. The session id is known as soon as the
// stream opens and is handed to onStart, if set, before the first frame.
func (c *HTTPClient) Download(ctx context.Context, playlistURL, format string, onStart func(sessionID string), fn func(Frame) error) (string, error) {
	q := url.Values{}
	q.Set("playlist_url", playlistURL)
	if format != "" {
		q.Set("format", format)
	}
	path := "/download?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", responseError(http.MethodGet, "/download", resp)
	}

	id := resp.Header.Get("X-Session-ID")
	if onStart != nil {
		onStart(id)
	}
	return id, ReadFrames(resp.Body, fn)
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(http.MethodGet, path, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(http.MethodPost, path, resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// responseError prefers the {"detail": ...} body the server sends for errors.
func responseError(method, path string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(body))
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		detail = parsed.Detail
	}
	return &APIError{Method: method, Path: path, Status: resp.StatusCode, Detail: detail}
}
