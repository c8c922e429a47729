// ABOUTME: Chat-completion gateway client speaking the OpenAI chat shape over HTTP.
// ABOUTME: Posts provider, model, messages and tool descriptors; decodes choices.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tetherhq/tether-gateway/internal/tools"
)

const (
	completionsPath = "/v1/chat/completions"
	defaultTimeout  = 120 * time.Second

	// maxResponseBytes bounds how much of a gateway response we read.
	maxResponseBytes = 8 << 20
)

// ChatMessage is one entry of the conversation history. Content is either a
// plain string or, for multimodal entries, a []ContentPart.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its arguments as a JSON string,
// exactly as the gateway returns them.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ContentPart is one element of a multimodal message content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an inline data URI or remote image reference.
type ImageURL struct {
	URL string `json:"url"`
}

// CompletionRequest is one call to the chat gateway.
type CompletionRequest struct {
	Provider string              `json:"provider,omitempty"`
	Model    string              `json:"model"`
	Messages []ChatMessage       `json:"messages"`
	Tools    []tools.FunctionDef `json:"tools,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Message ResponseMessage `json:"message"`
}

// ResponseMessage is the assistant message inside a choice.
type ResponseMessage struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// CompletionResponse is the gateway's reply.
type CompletionResponse struct {
	Choices []Choice `json:"choices"`
}

// Client completes conversations. The agent loop depends on this interface;
// tests script it.
type Client interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// HTTPClient is the production Client talking to the chat gateway over HTTP.
type HTTPClient struct {
	endpointURL string
	apiKey      string
	httpClient  *http.Client
}

// HTTPConfig configures the gateway client.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPClient creates a gateway client for the given base URL.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("llm gateway base url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &HTTPClient{
		endpointURL: strings.TrimRight(baseURL, "/") + completionsPath,
		apiKey:      cfg.APIKey,
		httpClient:  httpClient,
	}, nil
}

// Complete posts the request and decodes the gateway's choices.
func (c *HTTPClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("building completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling chat gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading gateway response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("chat gateway status %d: %s", resp.StatusCode, string(body))
	}

	var parsed CompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding gateway response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat gateway returned no choices")
	}
	return &parsed, nil
}
