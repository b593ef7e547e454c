package agentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Agent 服务 HTTP 客户端
// ============================================================================

const maxResponseBytes = 8 << 20

// agentRequest 发往 Agent 服务的请求体
type agentRequest struct {
	LLMID        string   `json:"llm_id"`
	Query        []string `json:"query"`
	AllowSearch  bool     `json:"allow_search"`
	SystemPrompt string   `json:"system_prompt"`
	Provider     string   `json:"provider"`
}

// HTTPStatusError Agent 服务返回非 2xx
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("agent: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// HTTPStatusCode 返回上游状态码
func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client 通过 HTTP 调用外部 Agent 服务
type Client struct {
	endpoint   string
	httpClient *http.Client
	headers    http.Header
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout 设置单次调用超时
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient = &http.Client{Timeout: timeout}
	}
}

// WithHeader 为每个请求附加请求头
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// NewClient 创建 Agent 客户端
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("agent: endpoint must not be empty")
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Respond 调用 Agent 服务。JSON 响应体原样以 json.RawMessage 返回，其他响应体以字符串返回
func (c *Client) Respond(ctx context.Context, modelID string, messages []string, allowSearch bool, systemPrompt, provider string) (any, error) {
	if messages == nil {
		messages = []string{}
	}
	body, err := json.Marshal(agentRequest{
		LLMID:        modelID,
		Query:        messages,
		AllowSearch:  allowSearch,
		SystemPrompt: systemPrompt,
		Provider:     provider,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agent: create request: %w", err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("agent: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			URL:        c.endpoint,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed), nil
	}
	return string(raw), nil
}
