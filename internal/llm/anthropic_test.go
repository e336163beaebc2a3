package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func anthropicTestServer(t *testing.T, handler http.HandlerFunc) *Anthropic {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewAnthropic("test-key", WithBaseURL(server.URL+"/"))
}

func TestAnthropicComplete(t *testing.T) {
	client := anthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/messages" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" || r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("headers = %v", r.Header)
		}
		var req struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			System    string `json:"system"`
			Messages  []struct {
				Role    string `json:"role"`
				Content []struct {
					Type      string          `json:"type"`
					Text      string          `json:"text"`
					ID        string          `json:"id"`
					Input     json.RawMessage `json:"input"`
					ToolUseID string          `json:"tool_use_id"`
					Content   string          `json:"content"`
					IsError   bool            `json:"is_error"`
				} `json:"content"`
			} `json:"messages"`
			Tools []struct {
				Name        string         `json:"name"`
				InputSchema map[string]any `json:"input_schema"`
			} `json:"tools"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Model != "claude-test" || req.MaxTokens != 1024 || req.System != "be brief" {
			t.Errorf("request = %+v", req)
		}
		if len(req.Messages) != 3 {
			t.Fatalf("messages = %d", len(req.Messages))
		}
		use := req.Messages[1].Content[0]
		if use.Type != "tool_use" || use.ID != "tu-1" || string(use.Input) != `{"command":"ls"}` {
			t.Errorf("tool_use = %+v", use)
		}
		res := req.Messages[2].Content[0]
		if res.Type != "tool_result" || res.ToolUseID != "tu-1" || res.Content != "boom" || !res.IsError {
			t.Errorf("tool_result = %+v", res)
		}
		if len(req.Tools) != 1 || req.Tools[0].Name != "bash" || req.Tools[0].InputSchema["type"] != "object" {
			t.Errorf("tools = %+v", req.Tools)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "model": "claude-test", "stop_reason": "tool_use",
			"content": [
				{"type": "thinking", "thinking": "hmm"},
				{"type": "text", "text": "Listing."},
				{"type": "tool_use", "id": "tu-2", "name": "bash", "input": {"command": "pwd"}}
			],
			"usage": {"input_tokens": 120, "output_tokens": 30}
		}`))
	})

	resp, err := client.Complete(context.Background(), Request{
		Model:     "claude-test",
		System:    "be brief",
		MaxTokens: 1024,
		Messages: []Message{
			UserMessage("list files"),
			{Role: RoleAssistant, Content: []ContentBlock{ToolUseBlock("tu-1", "bash", json.RawMessage(`{"command":"ls"}`))}},
			{Role: RoleUser, Content: []ContentBlock{ToolResultBlock("tu-1", "boom", true)}},
		},
		Tools: []ToolDefinition{{Name: "bash", InputSchema: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StopReason != StopReasonToolUse || resp.Usage.InputTokens != 120 || resp.Usage.OutputTokens != 30 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Text() != "Listing." {
		t.Fatalf("text = %q", resp.Text())
	}
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].ID != "tu-2" || string(uses[0].Input) != `{"command": "pwd"}` {
		t.Fatalf("tool uses = %+v", uses)
	}
	if len(resp.AssistantMessage().Content) != 2 {
		t.Fatalf("assistant content = %+v", resp.AssistantMessage().Content)
	}
}

func TestAnthropicProviderError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantType string
		wantMsg  string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, "rate_limit_error", "slow down"},
		{"auth", http.StatusUnauthorized, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, "authentication_error", "invalid x-api-key"},
		{"plain body", http.StatusBadGateway, "upstream down\n", "", "upstream down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := anthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.Complete(context.Background(), Request{Model: "m", MaxTokens: 1, Messages: []Message{UserMessage("hi")}})
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v", err)
			}
			if pe.HTTPStatus() != tt.status || pe.Type != tt.wantType || pe.Message != tt.wantMsg {
				t.Fatalf("provider error = %+v", pe)
			}
		})
	}
}

func TestAnthropicContextCanceled(t *testing.T) {
	client := anthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Complete(ctx, Request{Model: "m", MaxTokens: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
