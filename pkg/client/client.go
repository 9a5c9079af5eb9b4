// Package client talks to a running framegate status API over HTTP. It is
// meant for tooling and dashboards that watch a gallery process from the
// outside.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client provides HTTP access to the framegate status API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8077",
		Timeout: 10 * time.Second,
	}
}

// New creates a new framegate API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8077"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the API is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	var h HealthResponse
	if err := c.getJSON(ctx, "/healthz", &h); err != nil {
		c.logger.Debug("framegate unreachable", "error", err)
		return false
	}
	return true
}

// Health returns the worker state as seen by the supervisor. A degraded
// worker is not an error here; only transport problems are.
func (c *Client) Health(ctx context.Context) (string, error) {
	var h HealthResponse
	if err := c.getJSON(ctx, "/healthz", &h); err != nil {
		return "", err
	}
	return h.State, nil
}

// Status fetches the full supervisor status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := c.getJSON(ctx, "/status", &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// Sessions fetches the live session rows.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var rows []Session
	if err := c.getJSON(ctx, "/sessions", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Restart forces a worker recycle and returns the new generation.
func (c *Client) Restart(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/restart", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, c.handleErrorResponse(resp)
	}
	var r RestartResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return 0, fmt.Errorf("decode restart response: %w", err)
	}
	return r.Generation, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	// healthz serves 503 with a valid body when the worker is down.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return c.handleErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return fmt.Errorf("framegate API %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("framegate API %d: %s", resp.StatusCode, string(body))
}
