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

// Anthropic speaks the native messages API: top-level system prompt,
// content-block messages, and tool_use / tool_result blocks.
type Anthropic struct {
	baseURL string
	apiKey  string
	version string
	hc      *http.Client
}

// NewAnthropic constructs the adapter.
func NewAnthropic(baseURL, apiKey, version string, hc *http.Client) *Anthropic {
	return &Anthropic{baseURL: baseURL, apiKey: apiKey, version: version, hc: hc}
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Invoke implements Adapter.
func (a *Anthropic) Invoke(ctx domain.Context, model string, req domain.ChatRequest) (domain.ChatResponse, error) {
	body, err := json.Marshal(a.encode(model, req))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.anthropic encode: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.anthropic request: %w", err)
	}
	r.Header.Set("x-api-key", a.apiKey)
	r.Header.Set("anthropic-version", a.version)
	r.Header.Set("Content-Type", "application/json")

	resp, err := a.hc.Do(r)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.anthropic: %v: %w", err, domain.ErrProviderUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := readSnippet(resp.Body, 512)
		slog.Warn("anthropic non-2xx",
			slog.String("job_id", obsctx.JobIDFromContext(ctx)),
			slog.Int("status", resp.StatusCode),
			slog.String("model", model),
			slog.String("request_id", resp.Header.Get("request-id")),
			slog.String("body", snippet))
		return domain.ChatResponse{}, classifyStatus("anthropic", resp.StatusCode, snippet)
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.anthropic decode: %v: %w", err, domain.ErrProviderUnavailable)
	}
	return a.decode(out), nil
}

func (a *Anthropic) encode(model string, req domain.ChatRequest) anthropicRequest {
	out := anthropicRequest{
		Model:     model,
		System:    req.System,
		MaxTokens: req.MaxTokens,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool(t))
	}
	for _, m := range req.Messages {
		am := anthropicMessage{Role: string(m.Role)}
		for _, b := range m.Blocks {
			switch b.Type {
			case domain.BlockText:
				am.Content = append(am.Content, anthropicBlock{Type: "text", Text: b.Text})
			case domain.BlockToolUse:
				am.Content = append(am.Content, anthropicBlock{Type: "tool_use", ID: b.ToolID, Name: b.ToolName, Input: b.ToolInput})
			case domain.BlockToolResult:
				am.Content = append(am.Content, anthropicBlock{
					Type:      "tool_result",
					ToolUseID: b.ToolID,
					Content:   string(b.Content),
					IsError:   b.IsError,
				})
			}
		}
		out.Messages = append(out.Messages, am)
	}
	return out
}

func (a *Anthropic) decode(out anthropicResponse) domain.ChatResponse {
	resp := domain.ChatResponse{
		Usage: domain.Usage{TokensIn: out.Usage.InputTokens, TokensOut: out.Usage.OutputTokens},
	}
	for _, b := range out.Content {
		switch b.Type {
		case "text":
			resp.Blocks = append(resp.Blocks, domain.Block{Type: domain.BlockText, Text: b.Text})
		case "tool_use":
			resp.Blocks = append(resp.Blocks, domain.Block{
				Type:      domain.BlockToolUse,
				ToolID:    b.ID,
				ToolName:  b.Name,
				ToolInput: b.Input,
			})
		}
	}
	switch out.StopReason {
	case "end_turn", "stop_sequence":
		resp.FinishReason = domain.FinishEndOfTurn
	case "tool_use":
		resp.FinishReason = domain.FinishToolUse
	case "max_tokens":
		resp.FinishReason = domain.FinishLength
	default:
		resp.FinishReason = domain.FinishEndOfTurn
	}
	return resp
}
