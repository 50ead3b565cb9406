// Package transfer implements the client side of the share protocol:
// listing, probing, chunked parallel downloads with resume, uploads, and
// deletes.
package transfer

import (
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

// ErrNotFound means the server reported no entry for the ID.
var ErrNotFound = errors.New("entry not found")

// ErrUnauthorized means the server rejected the token.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response that carries no more specific meaning.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("server returned %d", e.Code)
}

// Client talks to one serve instance.
type Client struct {
	BaseURL string // scheme://host:port, no trailing slash
	Token   string
	HTTP    *http.Client

	// Logf, when set, receives human-readable progress lines.
	Logf func(format string, args ...any)
}

func NewClient(baseURL, token string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Keep idle ranged connections reusable across parts.
	transport.MaxIdleConnsPerHost = 16
	transport.IdleConnTimeout = 90 * time.Second
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP: &http.Client{
			// No overall timeout: downloads can run for hours. Dial and
			// header waits stay bounded by the transport.
			Transport: transport,
		},
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, urlStr string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("X-Serve-Token", c.Token)
	}
	return req, nil
}

// ListEntry mirrors one row of the server's JSON listing.
type ListEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      string `json:"size"`
	SizeBytes int64  `json:"size_bytes"`
	Modified  string `json:"modified"`
	URL       string `json:"url"`
	IsDir     bool   `json:"is_dir"`
	MimeType  string `json:"mime_type"`
}

// ListResponse is the server's JSON directory listing.
type ListResponse struct {
	Path      string      `json:"path"`
	ID        string      `json:"id"`
	ParentID  string      `json:"parent_id"`
	Entries   []ListEntry `json:"entries"`
	PoweredBy string      `json:"powered_by"`
}

// InfoResponse describes a single entry.
type InfoResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDir       bool   `json:"is_dir"`
	SizeBytes   int64  `json:"size_bytes"`
	Size        string `json:"size"`
	Modified    string `json:"modified"`
	MimeType    string `json:"mime_type"`
	ParentID    string `json:"parent_id"`
	ListURL     string `json:"list_url"`
	ViewURL     string `json:"view_url"`
	DownloadURL string `json:"download_url"`
}

// List fetches the directory listing for an ID ("root" for the share root).
func (c *Client) List(ctx context.Context, id string) (*ListResponse, error) {
	var resp ListResponse
	if err := c.getJSON(ctx, "/list", id, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Info fetches metadata for an ID.
func (c *Client) Info(ctx context.Context, id string) (*InfoResponse, error) {
	var resp InfoResponse
	if err := c.getJSON(ctx, "/info", id, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) getJSON(ctx context.Context, path, id string, out any) error {
	q := url.Values{"id": {id}}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(path, q), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// DeleteResponse is the server's acknowledgement of a delete.
type DeleteResponse struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// Delete removes the entry with the given ID.
func (c *Client) Delete(ctx context.Context, id string) (*DeleteResponse, error) {
	q := url.Values{"id": {id}}
	req, err := c.newRequest(ctx, http.MethodDelete, c.endpoint("/delete", q), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out DeleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
