package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient implements Client using the Anthropic Messages API via net/http.
type AnthropicClient struct {
	apiKey      string
	baseURL     string
	model       string
	client      *http.Client
	retryConfig RetryConfig
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey, model string, opts ...AnthropicOption) *AnthropicClient {
	c := &AnthropicClient{
		apiKey:      apiKey,
		baseURL:     anthropicAPIBase,
		model:       model,
		client:      &http.Client{Timeout: 120 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type AnthropicOption func(*AnthropicClient)

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(c *AnthropicClient) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func (c *AnthropicClient) Name() string  { return "anthropic" }
func (c *AnthropicClient) Model() string { return c.model }

func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body := c.buildRequestBody(req, false)

	respBody, err := RetryDo(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		return c.doRequest(ctx, body)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return ErrResponse("request_failed", err.Error()), nil
	}
	defer respBody.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return ErrResponse("decode_failed", fmt.Sprintf("anthropic: decode response: %v", err)), nil
	}

	return c.parseResponse(&resp), nil
}

func (c *AnthropicClient) doRequest(ctx context.Context, body map[string]interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &httpStatusError{
			status: resp.StatusCode,
			body:   fmt.Sprintf("anthropic: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b))),
		}
	}
	return resp.Body, nil
}

func (c *AnthropicClient) parseResponse(resp *anthropicResponse) *CompletionResponse {
	out := &CompletionResponse{
		MessageID:  resp.ID,
		ModelID:    resp.Model,
		StopReason: resp.StopReason,
		TokenUsage: Usage{
			InputTokens:              resp.Usage.InputTokens,
			OutputTokens:             resp.Usage.OutputTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Blocks = append(out.Blocks, ContentBlock{Type: "text", Text: block.Text})
		case "thinking":
			out.Blocks = append(out.Blocks, ContentBlock{
				Type:      "thinking",
				Thinking:  block.Thinking,
				Signature: block.Signature,
			})
		case "tool_use":
			out.Blocks = append(out.Blocks, ContentBlock{
				Type:  "tool_use",
				ID:    block.ID,
				Name:  strings.TrimSpace(block.Name),
				Input: block.Input,
			})
		}
	}
	return out
}

// Anthropic wire types.

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Content    []anthropicContentBlock `json:"content"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Thinking  string                 `json:"thinking,omitempty"`
	Signature string                 `json:"signature,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}
