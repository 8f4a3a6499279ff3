// Package guard integrates the Lakera Guard content-safety API into the MCP
// client: a thin HTTP client for the /guard endpoint and a Manager that
// screens tool descriptions and server interactions with it.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/eurogig/simple-mcp-client/internal/libmcp"
)

const (
	// DefaultBaseURL is the global Lakera Guard endpoint.
	DefaultBaseURL = "https://api.lakera.ai/v2"

	// APIKeyEnv is the environment variable the API key is read from when
	// not passed explicitly.
	APIKeyEnv = "LAKERA_GUARD_API_KEY"
)

// Message is one entry in the screening API's message format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GuardRequest is the JSON body for POST /guard.
type GuardRequest struct {
	Messages []Message `json:"messages"`
	DevInfo  bool      `json:"dev_info,omitempty"`
}

// GuardResult is the screening verdict for one submitted payload.
type GuardResult struct {
	Flagged        bool                   `json:"flagged"`
	Categories     map[string]bool        `json:"categories"`
	CategoryScores map[string]float64     `json:"category_scores"`
	DevInfo        map[string]interface{} `json:"dev_info,omitempty"`
}

// ClientConfig configures a screening API client. Zero values fall back to
// the API key environment variable, the global endpoint, and a 30 second
// timeout. A Region takes precedence over BaseURL.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Region  string
	Timeout time.Duration
}

// Client is a thin HTTP wrapper around the Lakera Guard screening API.
type Client struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  *http.Client
	log     *zap.Logger
}

// NewClient builds a screening API client. The API key comes from cfg or
// the LAKERA_GUARD_API_KEY environment variable; a .env file is honored.
// A missing key is an error so callers can degrade to unscreened mode
// deliberately rather than silently.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	// Ignores error if .env doesn't exist, the variable may already be set
	_ = godotenv.Load()

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(APIKeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("Lakera API key is required: set the %s environment variable or pass an API key", APIKeyEnv)
	}

	baseURL := cfg.BaseURL
	if cfg.Region != "" {
		baseURL = fmt.Sprintf("https://%s.api.lakera.ai/v2", cfg.Region)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		log:     logger,
	}, nil
}

// Screen screens a single piece of text as a user message.
func (c *Client) Screen(ctx context.Context, content string) (*GuardResult, error) {
	return c.ScreenMessages(ctx, []Message{{Role: "user", Content: content}}, false)
}

// ScreenMessages screens a full message list, optionally asking the service
// for its debug payload.
func (c *Client) ScreenMessages(ctx context.Context, messages []Message, devInfo bool) (*GuardResult, error) {
	req := GuardRequest{Messages: messages, DevInfo: devInfo}

	var result *GuardResult
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.timeout

	err := backoff.Retry(func() error {
		var err error
		result, err = c.screenOnce(ctx, req)
		if err != nil {
			if libmcp.IsRetryableHTTP(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		c.log.Error("Lakera Guard API request failed", zap.Error(err))
		return nil, err
	}
	return result, nil
}

func (c *Client) screenOnce(ctx context.Context, req GuardRequest) (*GuardResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal guard request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/guard", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP POST %s/guard failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		err = fmt.Errorf("guard API error %d: %s", resp.StatusCode, string(bodyBytes))
		return nil, &libmcp.HTTPStatusError{StatusCode: resp.StatusCode, Err: err}
	}

	var result GuardResult
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to decode guard response: %w (body: %s)", err, string(bodyBytes))
	}
	return &result, nil
}

// ScreenToolDescription screens a tool description.
func (c *Client) ScreenToolDescription(ctx context.Context, description string) (*GuardResult, error) {
	return c.Screen(ctx, description)
}

// ScreenInteraction screens a method call as a single text payload.
func (c *Client) ScreenInteraction(ctx context.Context, method string, params map[string]interface{}) (*GuardResult, error) {
	return c.Screen(ctx, interactionText(method, params))
}

// IsContentSafe reports whether content passed screening. Contrary to the
// screening pipeline, a failed API call here counts as unsafe: this is the
// one entry point whose only job is the verdict.
func (c *Client) IsContentSafe(ctx context.Context, content string) bool {
	result, err := c.Screen(ctx, content)
	if err != nil {
		c.log.Warn("failed to screen content for safety", zap.Error(err))
		return false
	}
	return !result.Flagged
}

// ThreatCategories returns the per-category flags for content, or an empty
// map when screening fails.
func (c *Client) ThreatCategories(ctx context.Context, content string) map[string]bool {
	result, err := c.Screen(ctx, content)
	if err != nil {
		c.log.Warn("failed to get threat categories", zap.Error(err))
		return map[string]bool{}
	}
	return result.Categories
}

// Close releases the client's idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

// interactionText renders a method call into the text the screening service
// sees.
func interactionText(method string, params map[string]interface{}) string {
	text := "Method: " + method
	if len(params) > 0 {
		if encoded, err := json.Marshal(params); err == nil {
			text += "\nParameters: " + string(encoded)
		}
	}
	return text
}
