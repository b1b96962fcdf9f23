package domain

import "encoding/json"

// Canonical chat shapes. The agent loop speaks only these; provider adapters
// translate them to and from each vendor wire format.

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the content blocks inside a message.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one content unit. Text carries BlockText; ToolID, ToolName and
// ToolInput carry BlockToolUse; ToolID, Content and IsError carry
// BlockToolResult.
type Block struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Message is one turn of the conversation.
type Message struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// TextMessage builds a single-block user or assistant text turn.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

// ToolResultsMessage wraps tool outcomes into the user turn the model
// expects after a tool_use stop.
func ToolResultsMessage(blocks []Block) Message {
	return Message{Role: RoleUser, Blocks: blocks}
}

// ToolDef declares one callable tool to the model. InputSchema is a JSON
// Schema object.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ChatRequest is one model invocation.
type ChatRequest struct {
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []ToolDef `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens"`
}

// FinishReason is the model's reported stop condition.
type FinishReason string

const (
	// FinishEndOfTurn means the model completed its answer.
	FinishEndOfTurn FinishReason = "end_of_turn"
	// FinishToolUse means the model paused to call one or more tools.
	FinishToolUse FinishReason = "tool_use"
	// FinishLength means the response hit the output token cap.
	FinishLength FinishReason = "length"
)

// Usage is the token accounting for one model call.
type Usage struct {
	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`
}

// Add accumulates another call's usage.
func (u *Usage) Add(other Usage) {
	u.TokensIn += other.TokensIn
	u.TokensOut += other.TokensOut
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.TokensIn + u.TokensOut
}

// ChatResponse is one model reply.
type ChatResponse struct {
	Blocks       []Block      `json:"blocks"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// ToolUses returns the tool_use blocks in reply order.
func (r ChatResponse) ToolUses() []Block {
	var uses []Block
	for _, b := range r.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// Text concatenates the text blocks of the reply.
func (r ChatResponse) Text() string {
	var out string
	for _, b := range r.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}
