package api

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

	"github.com/google/uuid"
)

// Client talks to the Amora backend REST API. All requests carry the session
// bearer credential; responses use the {success, data, message} envelope.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an API client for the given base URL and bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// envelope is the backend's standard response wrapper.
type envelope struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Pagination *Pagination     `json:"pagination,omitempty"`
}

// doJSON issues a request with an optional JSON body and decodes the data
// field of the envelope into out (which may be nil).
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) (*Pagination, error) {
	var reader io.Reader
	contentType := ""
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, query, reader, contentType, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) (*Pagination, error) {
	op := method + " " + path

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	var env envelope
	// Tolerate empty or non-JSON error bodies; the status code decides.
	_ = json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{Resource: "resource", ID: path}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		reason := env.Message
		if reason == "" {
			reason = fmt.Sprintf("server rejected request (%d)", resp.StatusCode)
		}
		return nil, &ValidationError{Reason: reason}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &NetworkError{Op: op, StatusCode: resp.StatusCode}
	}

	if !env.Success && env.Message != "" {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("server: %s", env.Message)}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return env.Pagination, nil
}
