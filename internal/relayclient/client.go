// Package relayclient consumes relay run channels over HTTP.
package relayclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hochfrequenz/portal-orchestrator/internal/batch"
	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
	"github.com/hochfrequenz/portal-orchestrator/internal/relay"
)

// ErrNoTerminalFrame is returned when a channel ends before its success or
// error frame
var ErrNoTerminalFrame = errors.New("stream ended without a terminal frame")

// Client talks to a relay server
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the relay at baseURL. A nil httpClient uses a
// client without timeout, since run channels are long-lived.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Open starts a run and returns its frame stream
func (c *Client) Open(ctx context.Context, req relay.RunRequest) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return &Stream{
		RunID:  resp.Header.Get(relay.RunIDHeader),
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

// Dial implements batch.Dialer
func (c *Client) Dial(ctx context.Context, kind domain.TaskKind, mode domain.ExecutionMode, target domain.Target) (batch.Stream, error) {
	s, err := c.Open(ctx, relay.RunRequest{
		TargetID: target.ID,
		TaskKind: kind,
		Mode:     mode,
		Account:  target.Account,
		Name:     target.Name,
		Locality: target.Locality,
		Secret:   target.Secret,
		Params:   target.Params,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Stop cancels one run, or every active run when runID is empty
func (c *Client) Stop(ctx context.Context, runID string) (int, error) {
	path := "/api/stop"
	if runID != "" {
		path += "?run_id=" + url.QueryEscape(runID)
	}
	var resp relay.StopResponse
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Stopped, nil
}

// Mode returns the server's execution mode
func (c *Client) Mode(ctx context.Context) (domain.ExecutionMode, error) {
	var resp struct {
		Mode domain.ExecutionMode `json:"execution_mode"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/config/mode", nil, &resp); err != nil {
		return "", err
	}
	return resp.Mode, nil
}

// SetMode changes the server's execution mode
func (c *Client) SetMode(ctx context.Context, mode domain.ExecutionMode) (domain.ExecutionMode, error) {
	var resp struct {
		Mode domain.ExecutionMode `json:"execution_mode"`
	}
	body := map[string]domain.ExecutionMode{"execution_mode": mode}
	if err := c.do(ctx, http.MethodPut, "/api/config/mode", body, &resp); err != nil {
		return "", err
	}
	return resp.Mode, nil
}

// Status returns the server status
func (c *Client) Status(ctx context.Context) (relay.StatusResponse, error) {
	var resp relay.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &resp)
	return resp, err
}

// Runs lists the most recent runs
func (c *Client) Runs(ctx context.Context, limit int) ([]relay.RunResponse, error) {
	var runs []relay.RunResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/runs?limit=%d", limit), nil, &runs)
	return runs, err
}

// StartBatch starts a server-side batch and returns its id
func (c *Client) StartBatch(ctx context.Context, spec batch.Spec) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/batches", spec, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GetBatch returns the state of a server-side batch
func (c *Client) GetBatch(ctx context.Context, id string) (batch.QueueState, error) {
	var st batch.QueueState
	err := c.do(ctx, http.MethodGet, "/api/batches/"+url.PathEscape(id), nil, &st)
	return st, err
}

// StopBatch halts a server-side batch
func (c *Client) StopBatch(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/batches/"+url.PathEscape(id)+"/stop", nil, nil)
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
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
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
	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
