// Package client provides a Go client for the flagscope service: a thin HTTP
// transport for flag management and evaluation, and a session-scoped
// [Provider] that caches batched evaluation results for synchronous lookups.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Identity names who a batch of flags is evaluated for. It carries no tenant
// field: the tenant is derived server-side from the API key, so a [Provider]
// bound to a different tenant is a different [Client], not a different
// Identity.
type Identity struct {
	UserID     string
	Attributes map[string]any
}

// Result is the evaluation outcome for a single flag.
type Result struct {
	Enabled bool            `json:"enabled"`
	Variant string          `json:"variant,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// Flag mirrors the server's flag definition document.
type Flag struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Enabled     bool            `json:"enabled"`
	Variants    json.RawMessage `json:"variants,omitempty"`
	Rules       json.RawMessage `json:"rules,omitempty"`
}

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the flagscope server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format. The server derives the
	// tenant from it.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client talks to the flagscope HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New returns a new HTTP client for the flagscope service.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

type wireEvaluateReq struct {
	Flags      []string       `json:"flags"`
	UserID     string         `json:"userId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type wireEvaluateResp struct {
	Results map[string]Result `json:"results"`
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagscope: HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("flagscope: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("flagscope: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagscope: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// EvaluateBatch evaluates the named flags for one identity in a single call.
func (c *Client) EvaluateBatch(ctx context.Context, names []string, identity Identity) (map[string]Result, error) {
	body := wireEvaluateReq{
		Flags:      names,
		UserID:     identity.UserID,
		Attributes: identity.Attributes,
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out wireEvaluateResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("flagscope: decode response: %w", err)
	}
	return out.Results, nil
}

// CreateFlag creates a flag definition in the caller's tenant.
func (c *Client) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/flags", flag)
	if err != nil {
		return Flag{}, err
	}
	defer resp.Body.Close()
	return decodeFlagResponse(resp.Body)
}

// GetFlag fetches one flag definition by name.
func (c *Client) GetFlag(ctx context.Context, name string) (Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/flags/"+name, nil)
	if err != nil {
		return Flag{}, err
	}
	defer resp.Body.Close()
	return decodeFlagResponse(resp.Body)
}

// ListFlags returns every flag definition in the caller's tenant.
func (c *Client) ListFlags(ctx context.Context) ([]Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/flags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var flags []Flag
	if err := json.NewDecoder(resp.Body).Decode(&flags); err != nil {
		return nil, fmt.Errorf("flagscope: decode response: %w", err)
	}
	return flags, nil
}

// UpdateFlag replaces a flag definition by name.
func (c *Client) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/flags/"+flag.Name, flag)
	if err != nil {
		return Flag{}, err
	}
	defer resp.Body.Close()
	return decodeFlagResponse(resp.Body)
}

// DeleteFlag removes a flag definition by name.
func (c *Client) DeleteFlag(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/flags/"+name, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func decodeFlagResponse(body io.Reader) (Flag, error) {
	var flag Flag
	if err := json.NewDecoder(body).Decode(&flag); err != nil {
		return Flag{}, fmt.Errorf("flagscope: decode response: %w", err)
	}
	return flag, nil
}
