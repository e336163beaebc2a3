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
)

const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// Anthropic implements Provider over the Anthropic Messages API.
type Anthropic struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// AnthropicOption configures an Anthropic client.
type AnthropicOption func(*Anthropic)

// WithBaseURL points the client at another endpoint (a proxy or a test server).
func WithBaseURL(u string) AnthropicOption {
	return func(a *Anthropic) {
		if u != "" {
			a.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) AnthropicOption {
	return func(a *Anthropic) {
		if d > 0 {
			a.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the transport.
func WithHTTPClient(c *http.Client) AnthropicOption {
	return func(a *Anthropic) {
		if c != nil {
			a.httpClient = c
		}
	}
}

// NewAnthropic creates a client authenticating with apiKey.
func NewAnthropic(apiKey string, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		apiKey:     apiKey,
		baseURL:    DefaultAnthropicBaseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Complete sends a non-streaming Messages request.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(buildAnthropicRequest(req))
	if err != nil {
		return nil, fmt.Errorf("llm/anthropic: marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm/anthropic: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm/anthropic: sending request: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, readProviderError(httpResp)
	}

	var wire anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("llm/anthropic: decoding response: %w", err)
	}
	return wire.toResponse(), nil
}

// readProviderError parses {"type":"error","error":{"type":...,"message":...}}.
func readProviderError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		return &ProviderError{StatusCode: resp.StatusCode, Type: wire.Error.Type, Message: wire.Error.Message}
	}
	return &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func buildAnthropicRequest(req Request) anthropicRequest {
	wire := anthropicRequest{Model: req.Model, MaxTokens: req.MaxTokens, System: req.System}
	for _, m := range req.Messages {
		wm := anthropicMessage{Role: string(m.Role)}
		for _, b := range m.Content {
			wm.Content = append(wm.Content, toAnthropicBlock(b))
		}
		wire.Messages = append(wire.Messages, wm)
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return wire
}

func toAnthropicBlock(b ContentBlock) anthropicContentBlock {
	switch b.Type {
	case ContentToolUse:
		if b.ToolUse != nil {
			input := b.ToolUse.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			return anthropicContentBlock{Type: "tool_use", ID: b.ToolUse.ID, Name: b.ToolUse.Name, Input: input}
		}
	case ContentToolResult:
		if b.ToolResult != nil {
			return anthropicContentBlock{Type: "tool_result", ToolUseID: b.ToolResult.ToolUseID,
				Content: b.ToolResult.Content, IsError: b.ToolResult.IsError}
		}
	}
	return anthropicContentBlock{Type: "text", Text: b.Text}
}

func (w *anthropicResponse) toResponse() *Response {
	resp := &Response{
		ID:         w.ID,
		Model:      w.Model,
		StopReason: StopReason(w.StopReason),
		Usage:      Usage{InputTokens: w.Usage.InputTokens, OutputTokens: w.Usage.OutputTokens},
	}
	for _, b := range w.Content {
		switch b.Type {
		case "tool_use":
			resp.Content = append(resp.Content, ToolUseBlock(b.ID, b.Name, b.Input))
		case "text":
			resp.Content = append(resp.Content, TextBlock(b.Text))
		default:
			// Thinking and other block kinds carry nothing the loop acts on.
		}
	}
	return resp
}
