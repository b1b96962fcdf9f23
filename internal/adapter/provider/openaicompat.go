package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/forgestack/agentd/internal/domain"
	obsctx "github.com/forgestack/agentd/internal/observability"
)

// OpenAICompat speaks the chat-completions dialect with function calling.
// One implementation parameterised by base URL and label serves the openai,
// groq, xai, and google deployments.
type OpenAICompat struct {
	label   string
	baseURL string
	apiKey  string
	hc      *http.Client
}

// NewOpenAICompat constructs the adapter for one deployment.
func NewOpenAICompat(label, baseURL, apiKey string, hc *http.Client) *OpenAICompat {
	return &OpenAICompat{label: label, baseURL: baseURL, apiKey: apiKey, hc: hc}
}

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type oaRequest struct {
	Model     string      `json:"model"`
	Messages  []oaMessage `json:"messages"`
	Tools     []oaTool    `json:"tools,omitempty"`
	MaxTokens int         `json:"max_tokens,omitempty"`
}

type oaResponse struct {
	Choices []struct {
		Message      oaMessage `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Invoke implements Adapter.
func (o *OpenAICompat) Invoke(ctx domain.Context, model string, req domain.ChatRequest) (domain.ChatResponse, error) {
	body, err := json.Marshal(o.encode(model, req))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.%s encode: %w", o.label, err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.%s request: %w", o.label, err)
	}
	r.Header.Set("Authorization", "Bearer "+o.apiKey)
	r.Header.Set("Content-Type", "application/json")

	resp, err := o.hc.Do(r)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.%s: %v: %w", o.label, err, domain.ErrProviderUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := readSnippet(resp.Body, 512)
		slog.Warn("chat-completions non-2xx",
			slog.String("job_id", obsctx.JobIDFromContext(ctx)),
			slog.String("provider", o.label),
			slog.Int("status", resp.StatusCode),
			slog.String("model", model),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
			slog.String("body", snippet))
		return domain.ChatResponse{}, classifyStatus(o.label, resp.StatusCode, snippet)
	}

	var out oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.%s decode: %v: %w", o.label, err, domain.ErrProviderUnavailable)
	}
	if len(out.Choices) == 0 {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.%s empty choices: %w", o.label, domain.ErrProviderUnavailable)
	}
	return o.decode(out), nil
}

func (o *OpenAICompat) encode(model string, req domain.ChatRequest) oaRequest {
	out := oaRequest{Model: model, MaxTokens: req.MaxTokens}
	if req.System != "" {
		out.Messages = append(out.Messages, oaMessage{Role: "system", Content: req.System})
	}
	for _, t := range req.Tools {
		var tool oaTool
		tool.Type = "function"
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.InputSchema
		out.Tools = append(out.Tools, tool)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleAssistant:
			am := oaMessage{Role: "assistant"}
			for _, b := range m.Blocks {
				switch b.Type {
				case domain.BlockText:
					am.Content += b.Text
				case domain.BlockToolUse:
					var tc oaToolCall
					tc.ID = b.ToolID
					tc.Type = "function"
					tc.Function.Name = b.ToolName
					tc.Function.Arguments = string(b.ToolInput)
					am.ToolCalls = append(am.ToolCalls, tc)
				}
			}
			out.Messages = append(out.Messages, am)
		case domain.RoleUser:
			// Tool results become individual tool-role messages; plain text
			// stays one user message.
			var text string
			for _, b := range m.Blocks {
				switch b.Type {
				case domain.BlockText:
					text += b.Text
				case domain.BlockToolResult:
					out.Messages = append(out.Messages, oaMessage{
						Role:       "tool",
						ToolCallID: b.ToolID,
						Content:    string(b.Content),
					})
				}
			}
			if text != "" {
				out.Messages = append(out.Messages, oaMessage{Role: "user", Content: text})
			}
		}
	}
	return out
}

func (o *OpenAICompat) decode(out oaResponse) domain.ChatResponse {
	choice := out.Choices[0]
	resp := domain.ChatResponse{
		Usage: domain.Usage{TokensIn: out.Usage.PromptTokens, TokensOut: out.Usage.CompletionTokens},
	}
	if choice.Message.Content != "" {
		resp.Blocks = append(resp.Blocks, domain.Block{Type: domain.BlockText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.Blocks = append(resp.Blocks, domain.Block{
			Type:      domain.BlockToolUse,
			ToolID:    tc.ID,
			ToolName:  tc.Function.Name,
			ToolInput: json.RawMessage(tc.Function.Arguments),
		})
	}
	switch choice.FinishReason {
	case "tool_calls":
		resp.FinishReason = domain.FinishToolUse
	case "length":
		resp.FinishReason = domain.FinishLength
	default:
		resp.FinishReason = domain.FinishEndOfTurn
	}
	return resp
}
