// Package client talks to a remote executor over HTTP and exposes remote
// actions as ordinary engine actions.
package client

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/remote/protocol"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// Config contains client configuration options.
type Config struct {
	// Endpoint is the executor base URL, e.g. http://executor:8081.
	Endpoint string

	// Timeout bounds every call except the wait part of Execute.
	Timeout time.Duration

	// ExecuteWait is how long Execute asks the server to block.
	ExecuteWait time.Duration

	// PollInterval is the delay between PollState calls.
	PollInterval time.Duration

	// HTTPClient overrides the default otelhttp-instrumented client.
	HTTPClient *http.Client

	// Metrics records remote call outcomes. Optional.
	Metrics *telemetry.Metrics
}

// Client calls the executor's Begin, Execute, PollState and End endpoints.
type Client struct {
	endpoint     string
	httpClient   *http.Client
	timeout      time.Duration
	executeWait  time.Duration
	pollInterval time.Duration
	metrics      *telemetry.Metrics

	mu       sync.RWMutex
	metadata map[string]engine.ActionMetadata
}

// NewClient creates a new executor client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ExecuteWait == 0 {
		cfg.ExecuteWait = 20 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Client{
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		httpClient:   httpClient,
		timeout:      cfg.Timeout,
		executeWait:  cfg.ExecuteWait,
		pollInterval: cfg.PollInterval,
		metrics:      cfg.Metrics,
		metadata:     make(map[string]engine.ActionMetadata),
	}, nil
}

// Endpoint returns the executor base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Begin creates a remote session for action.
func (c *Client) Begin(ctx context.Context, action string, inputs map[string]interface{}) (*protocol.BeginResponse, error) {
	var resp protocol.BeginResponse
	req := protocol.BeginRequest{Action: action, Inputs: inputs}
	if err := c.do(ctx, "begin", http.MethodPost, protocol.RouteBegin, "", c.timeout, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.WorkflowID == "" {
		if resp.Error != nil {
			return nil, resp.Error.EngineError("")
		}
		return nil, engine.NewPermanentError("begin returned no workflow id", nil).
			WithCode(engine.ErrCodeInternal).
			WithResource(c.endpoint)
	}
	return &resp, nil
}

// Execute starts or re-reads Process for the session. With wait the
// server blocks up to ExecuteWait for a terminal state.
func (c *Client) Execute(ctx context.Context, workflowID string, wait bool) (*protocol.ExecuteResponse, error) {
	req := protocol.ExecuteRequest{Wait: &wait}
	timeout := c.timeout
	if wait {
		req.TimeoutMs = c.executeWait.Milliseconds()
		timeout += c.executeWait
	}

	var resp protocol.ExecuteResponse
	if err := c.do(ctx, "execute", http.MethodPost, protocol.ExecutePath(workflowID), workflowID, timeout, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.Validate(); err != nil {
		return nil, engine.NewTransportError(c.endpoint, workflowID, fmt.Errorf("malformed execute response: %w", err))
	}
	return &resp, nil
}

// State polls the session state.
func (c *Client) State(ctx context.Context, workflowID string) (*protocol.StateResponse, error) {
	var resp protocol.StateResponse
	if err := c.do(ctx, "state", http.MethodGet, protocol.StatePath(workflowID), workflowID, c.timeout, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.Validate(); err != nil {
		return nil, engine.NewTransportError(c.endpoint, workflowID, fmt.Errorf("malformed state response: %w", err))
	}
	return &resp, nil
}

// End disposes the session.
func (c *Client) End(ctx context.Context, workflowID string) (*protocol.EndResponse, error) {
	var resp protocol.EndResponse
	if err := c.do(ctx, "end", http.MethodPost, protocol.EndPath(workflowID), workflowID, c.timeout, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success && resp.Error != nil {
		return &resp, resp.Error.EngineError(workflowID)
	}
	return &resp, nil
}

// ListActions returns the executor's actions and refreshes the metadata cache.
func (c *Client) ListActions(ctx context.Context) ([]engine.ActionMetadata, error) {
	var resp protocol.ActionList
	if err := c.do(ctx, "list_actions", http.MethodGet, protocol.RouteActions, "", c.timeout, nil, &resp); err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, meta := range resp.Actions {
		c.metadata[meta.Name] = meta
	}
	c.mu.Unlock()
	return resp.Actions, nil
}

// DescribeAction returns the metadata of one action. Results are cached for
// the lifetime of the client.
func (c *Client) DescribeAction(ctx context.Context, name string) (engine.ActionMetadata, error) {
	c.mu.RLock()
	meta, ok := c.metadata[name]
	c.mu.RUnlock()
	if ok {
		return meta.Clone(), nil
	}

	if err := c.do(ctx, "describe_action", http.MethodGet, protocol.ActionPath(name), "", c.timeout, nil, &meta); err != nil {
		return engine.ActionMetadata{}, err
	}

	c.mu.Lock()
	c.metadata[name] = meta
	c.mu.Unlock()
	return meta.Clone(), nil
}

// Health returns the executor health document.
func (c *Client) Health(ctx context.Context) (*protocol.Health, error) {
	var resp protocol.Health
	if err := c.do(ctx, "health", http.MethodGet, protocol.RouteHealth, "", c.timeout, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs one call. Network failures, timeouts, 5xx answers and
// undecodable bodies become TRANSPORT_ERROR; other error answers are
// decoded into the engine error they carry.
func (c *Client) do(ctx context.Context, call, method, path, workflowID string, timeout time.Duration, body, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = engine.ErrorCode(err)
		}
		c.metrics.RecordRemoteCall(call, outcome, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return engine.NewPermanentError("failed to encode request", err).WithCode(engine.ErrCodeInternal)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return engine.NewPermanentError("failed to build request", err).WithCode(engine.ErrCodeInternal)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return engine.NewTransportError(c.endpoint, workflowID, err).WithOperation(call)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return engine.NewTransportError(c.endpoint, workflowID, err).WithOperation(call)
	}

	if resp.StatusCode >= 500 {
		cause := fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
		var errResp protocol.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != nil {
			cause = fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, errResp.Error.Message)
		}
		return engine.NewTransportError(c.endpoint, workflowID, cause).WithOperation(call)
	}

	if resp.StatusCode >= 300 {
		var errResp protocol.ErrorResponse
		if err := json.Unmarshal(data, &errResp); err != nil || errResp.Error == nil {
			return engine.NewPermanentError(fmt.Sprintf("%s %s: HTTP %d", method, path, resp.StatusCode), err).
				WithCode(engine.ErrCodeInternal).
				WithResource(c.endpoint)
		}
		return errResp.Error.EngineError(workflowID).WithOperation(call)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return engine.NewTransportError(c.endpoint, workflowID, fmt.Errorf("malformed response: %w", err)).WithOperation(call)
	}
	return nil
}
