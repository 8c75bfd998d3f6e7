package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for reaching the attendguard review API.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	Reviewer string // recorded as reviewedBy on decisions made through the tools
}

// ReviewClient is a plain HTTP client for the /v1/violations API.
type ReviewClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewReviewClient creates a new client for the review API.
func NewReviewClient(cfg Config) *ReviewClient {
	return &ReviewClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *ReviewClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Reviewer != "" {
		req.Header.Set("X-Reviewer", c.cfg.Reviewer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListFilter mirrors the query parameters of GET /v1/violations.
type ListFilter struct {
	Status    string
	Kind      string
	Student   string
	SessionID string
	From      string
	To        string
	Limit     int
	Cursor    string
}

func (f ListFilter) values() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("status", f.Status)
	set("kind", f.Kind)
	set("student", f.Student)
	set("sessionId", f.SessionID)
	set("from", f.From)
	set("to", f.To)
	set("cursor", f.Cursor)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

// ListViolations returns one page of violations.
func (c *ReviewClient) ListViolations(ctx context.Context, f ListFilter) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/violations", f.values(), nil)
}

// GetViolation returns one violation.
func (c *ReviewClient) GetViolation(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/violations/"+url.PathEscape(id), nil, nil)
}

// Stats returns the dashboard summary.
func (c *ReviewClient) Stats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/violations/stats", nil, nil)
}

// Review records a decision on one violation. notes may be nil to keep the
// existing notes.
func (c *ReviewClient) Review(ctx context.Context, id, status string, notes *string) (json.RawMessage, error) {
	body := map[string]any{"status": status}
	if notes != nil {
		body["notes"] = *notes
	}
	return c.doRequest(ctx, http.MethodPatch, "/v1/violations/"+url.PathEscape(id), nil, body)
}
