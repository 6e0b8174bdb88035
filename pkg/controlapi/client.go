package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/journal"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/procmgr"
)

// Client reads runtime state from a running control API
type Client struct {
	baseURL string
	client  *http.Client
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status   string               `json:"status"`
	Services *procmgr.HealthCheck `json:"services,omitempty"`
}

// ServiceStatus is one entry of GET /services as decoded by a client
type ServiceStatus struct {
	Name           string    `json:"name"`
	PID            int       `json:"pid"`
	StartTime      time.Time `json:"start_time"`
	Status         string    `json:"status"`
	RestartCount   int       `json:"restart_count"`
	RestartOnCrash bool      `json:"restart_on_crash"`
	LastExitCode   *int      `json:"last_exit_code,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	NextRestartAt  time.Time `json:"next_restart_at"`
}

// NewClient creates a client for baseURL (e.g. http://127.0.0.1:9800)
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Health calls GET /healthz
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.get(ctx, "/healthz", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Services calls GET /services
func (c *Client) Services(ctx context.Context) ([]ServiceStatus, error) {
	var out struct {
		Services []ServiceStatus `json:"services"`
	}
	if err := c.get(ctx, "/services", &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

// Plugins calls GET /plugins
func (c *Client) Plugins(ctx context.Context) ([]PluginInfo, error) {
	var out struct {
		Plugins []PluginInfo `json:"plugins"`
	}
	if err := c.get(ctx, "/plugins", &out); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}

// Events calls GET /events with f as query parameters
func (c *Client) Events(ctx context.Context, f journal.Filter) ([]journal.Event, error) {
	q := url.Values{}
	for _, k := range f.Kinds {
		q.Add("kind", k)
	}
	if f.Subject != "" {
		q.Set("subject", f.Subject)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}

	path := "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Events []journal.Event `json:"events"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
