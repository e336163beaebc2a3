// Package llm is the model client used by the agent loop: a provider
// interface, the message and content-block types it exchanges, and an
// Anthropic Messages API implementation.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Provider sends one request and returns the complete response.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Role is a conversation participant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType discriminates ContentBlock.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
)

// ContentBlock is one element of a message. Exactly one of the typed
// payloads is set, selected by Type.
type ContentBlock struct {
	Type       ContentType `json:"type" cbor:"type"`
	Text       string      `json:"text,omitempty" cbor:"text,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty" cbor:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty" cbor:"tool_result,omitempty"`
}

// ToolUse is a tool invocation requested by the model.
type ToolUse struct {
	ID    string          `json:"id" cbor:"id"`
	Name  string          `json:"name" cbor:"name"`
	Input json.RawMessage `json:"input" cbor:"input"`
}

// ToolResult answers one ToolUse.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id" cbor:"tool_use_id"`
	Content   string `json:"content" cbor:"content"`
	IsError   bool   `json:"is_error,omitempty" cbor:"is_error,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ToolUseBlock builds a tool-use block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: ContentToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// ToolResultBlock builds a tool-result block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: ContentToolResult, ToolResult: &ToolResult{ToolUseID: toolUseID, Content: content, IsError: isError}}
}

// Message is one conversation turn.
type Message struct {
	Role    Role           `json:"role" cbor:"role"`
	Content []ContentBlock `json:"content" cbor:"content"`
}

// UserMessage is a user turn holding a single text block.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is a model call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// StopReason is why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonMaxTokens StopReason = "max_tokens"
)

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is a completed model call.
type Response struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// ToolUses returns the tool calls in the response, in order.
func (r *Response) ToolUses() []ToolUse {
	var out []ToolUse
	for _, b := range r.Content {
		if b.Type == ContentToolUse && b.ToolUse != nil {
			out = append(out, *b.ToolUse)
		}
	}
	return out
}

// Text joins the response's text blocks with newlines.
func (r *Response) Text() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == ContentText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// AssistantMessage is the response content as a transcript turn.
func (r *Response) AssistantMessage() Message {
	return Message{Role: RoleAssistant, Content: r.Content}
}

// ProviderError is a non-200 answer from the model API.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus exposes the status code to error classification.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }
