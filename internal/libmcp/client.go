package libmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Client talks to a single MCP server over the plain JSON-RPC-over-HTTP
// wire: every request is a POST of a Request envelope to the server URL,
// and GET /health is the connectivity probe. When a Screener is attached,
// every request is screened before it is sent and every result before it
// is returned.
type Client struct {
	serverURL string
	timeout   time.Duration
	client    *http.Client
	screener  Screener
	log       *zap.Logger
	requestID int64
}

// NewClient creates a client for the MCP server at serverURL. A zero timeout
// falls back to 30 seconds. screener may be nil to disable security
// screening; logger may be nil.
func NewClient(serverURL string, timeout time.Duration, screener Screener, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		timeout:   timeout,
		client: &http.Client{
			Timeout:   timeout,
			Transport: tr,
		},
		screener: screener,
		log:      logger,
	}
}

// ServerURL returns the server URL the client was built with, trailing
// slashes trimmed.
func (c *Client) ServerURL() string {
	return c.serverURL
}

// Connect probes the server's /health endpoint. Any status other than 200
// is a failed connection.
func (c *Client) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to MCP server: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Send screens and sends a JSON-RPC request, retrying transient transport
// failures, and screens the result before returning it. A screening
// violation aborts the call.
func (c *Client) Send(ctx context.Context, method string, params map[string]interface{}) (*Response, error) {
	if c.screener != nil {
		if err := c.screener.ScreenInteraction(ctx, method, params, nil); err != nil {
			c.log.Error("security violation detected in request",
				zap.String("method", method),
				zap.Error(err),
			)
			return nil, err
		}
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	req := Request{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
		ID:      int(atomic.AddInt64(&c.requestID, 1)),
	}

	var resp *Response
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.timeout

	err := backoff.Retry(func() error {
		var err error
		resp, err = c.sendOnce(ctx, req)
		if err != nil {
			if isHTTPRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		c.log.Error("request failed", zap.String("method", method), zap.Error(err))
		return nil, err
	}

	if c.screener != nil && resp.Result != nil {
		if err := c.screener.ScreenInteraction(ctx, method, params, resp.Result); err != nil {
			c.log.Error("security violation detected in response",
				zap.String("method", method),
				zap.Error(err),
			)
			return nil, err
		}
	}

	return resp, nil
}

// sendOnce performs a single HTTP request attempt
func (c *Client) sendOnce(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP POST %s failed: %w", c.serverURL, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		err = fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(bodyBytes))
		// Wrap with status code info for retry logic
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Err: err}
	}

	var rpcResp Response
	if err := json.Unmarshal(bodyBytes, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w (body: %s)", err, string(bodyBytes))
	}

	return &rpcResp, nil
}

// ListTools lists the tools the server advertises. When a Screener is
// attached, flagged tools are filtered out of the result.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.Send(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to send tools/list request: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list failed: %s", resp.Error.Message)
	}

	var result ToolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools result: %w", err)
	}

	tools := result.Tools
	if c.screener != nil {
		tools = c.screener.ScreenTools(ctx, tools)
	}
	return tools, nil
}

// CallTool calls a named tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]interface{}) (*Response, error) {
	if arguments == nil {
		arguments = map[string]interface{}{}
	}
	return c.Send(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": arguments,
	})
}

// Close releases the client's idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

// HTTPStatusError wraps HTTP errors with status code information
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return e.Err.Error()
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

// IsRetryableHTTP reports whether an HTTP error is worth retrying: rate
// limiting and server errors are, client errors and context cancellation
// are not.
func IsRetryableHTTP(err error) bool {
	return isHTTPRetryable(err)
}

func isHTTPRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests, 500, 502, 503, 504:
			return true
		default:
			return false
		}
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	// Most transport/dial failures are retryable (conservative approach)
	return true
}
