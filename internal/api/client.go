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

	"github.com/ChuLiYu/harvester/internal/config"
	"github.com/ChuLiYu/harvester/internal/scheduler"
	"github.com/ChuLiYu/harvester/pkg/types"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Client talks to a running Server.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at base, e.g.
// "http://localhost:8080".
func NewClient(base string) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Harvest starts a harvest and returns its run id.
func (c *Client) Harvest(ctx context.Context, req types.HarvestRequest) (string, error) {
	var out RunResponse
	err := c.do(ctx, http.MethodPost, "/harvest", req, &out)
	return out.RunID, err
}

func (c *Client) Save(ctx context.Context) (string, error) {
	var out RunResponse
	err := c.do(ctx, http.MethodPost, "/save", nil, &out)
	return out.RunID, err
}

func (c *Client) Submit(ctx context.Context) (string, error) {
	var out RunResponse
	err := c.do(ctx, http.MethodPost, "/submit", nil, &out)
	return out.RunID, err
}

func (c *Client) Abort(ctx context.Context) (types.State, error) {
	var out types.State
	err := c.do(ctx, http.MethodPost, "/abort", nil, &out)
	return out, err
}

func (c *Client) Reset(ctx context.Context) (types.State, error) {
	var out types.State
	err := c.do(ctx, http.MethodPost, "/reset", nil, &out)
	return out, err
}

func (c *Client) Tasks(ctx context.Context) ([]scheduler.TaskInfo, error) {
	var out []scheduler.TaskInfo
	err := c.do(ctx, http.MethodGet, "/schedule", nil, &out)
	return out, err
}

func (c *Client) AddTask(ctx context.Context, expr string) (scheduler.TaskInfo, error) {
	var out scheduler.TaskInfo
	err := c.do(ctx, http.MethodPost, "/schedule", cronRequest{Cron: expr}, &out)
	return out, err
}

func (c *Client) DeleteTask(ctx context.Context, expr string) error {
	return c.do(ctx, http.MethodDelete, "/schedule/"+url.PathEscape(expr), nil, nil)
}

// DeleteAllTasks returns the number of removed tasks.
func (c *Client) DeleteAllTasks(ctx context.Context) (int, error) {
	var out map[string]int
	err := c.do(ctx, http.MethodDelete, "/schedule", nil, &out)
	return out["deleted"], err
}

func (c *Client) Flags(ctx context.Context) (config.FlagValues, error) {
	var out config.FlagValues
	err := c.do(ctx, http.MethodGet, "/config", nil, &out)
	return out, err
}

func (c *Client) SetFlags(ctx context.Context, v config.FlagValues) (config.FlagValues, error) {
	var out config.FlagValues
	err := c.do(ctx, http.MethodPut, "/config", v, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
