package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

const (
	maxMessageSize = 512 * 1024      // per message text
	maxRequestSize = 8 * 1024 * 1024 // whole native JSON payload, images included
)

// Message is one canonical chat turn. Content is either plain text or an
// ordered list of blocks; ToolCalls and ToolCallID carry OpenAI-style tool turns.
type Message struct {
	Role       string     `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a canonical tool definition. Parameters holds the JSON Schema
// exactly as the caller sent it.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type toolFunctionJSON struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolJSON struct {
	Type     string            `json:"type"`
	Function *toolFunctionJSON `json:"function,omitempty"`

	// flat form: {"name": ..., "description": ..., "parameters": ...}
	toolFunctionJSON
}

// UnmarshalJSON accepts the OpenAI {"type":"function","function":{...}} shape
// as well as a flat {"name","description","parameters"} object.
func (t *Tool) UnmarshalJSON(data []byte) error {
	var raw toolJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fn := raw.toolFunctionJSON
	if raw.Function != nil {
		fn = *raw.Function
	}
	t.Name = fn.Name
	t.Description = fn.Description
	t.Parameters = fn.Parameters
	return nil
}

func (t Tool) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string           `json:"type"`
		Function toolFunctionJSON `json:"function"`
	}{
		Type: "function",
		Function: toolFunctionJSON{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		},
	})
}

// schema returns the parameter schema, defaulting to an empty object schema.
func (t Tool) schema() json.RawMessage {
	if len(t.Parameters) == 0 || string(t.Parameters) == "null" {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return t.Parameters
}

type ResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// wantsJSON reports whether the caller asked for a JSON-only reply.
func (f *ResponseFormat) wantsJSON() bool {
	return f != nil && (f.Type == "json_object" || f.Type == "json_schema")
}

// jsonSchemaBody extracts the "schema" member of an OpenAI json_schema format.
func (f *ResponseFormat) jsonSchemaBody() json.RawMessage {
	if f == nil || f.Type != "json_schema" || len(f.JSONSchema) == 0 {
		return nil
	}
	var wrapper struct {
		Schema json.RawMessage `json:"schema"`
	}
	if err := json.Unmarshal(f.JSONSchema, &wrapper); err != nil {
		return nil
	}
	return wrapper.Schema
}

type CompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
}

func (r *CompletionRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ValidationError{Message: "model is required"}
	}
	if len(r.Messages) == 0 {
		return &ValidationError{Message: "at least one message is required"}
	}

	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return &ValidationError{Message: fmt.Sprintf("invalid role %q in messages[%d]", m.Role, i)}
		}
		if m.Content.IsEmpty() && len(m.ToolCalls) == 0 && m.Role != RoleSystem {
			return &ValidationError{Message: fmt.Sprintf("content is required for messages[%d]", i)}
		}
		if n := len(m.Content.PlainText()); n > maxMessageSize {
			return &ValidationError{Message: fmt.Sprintf(
				"messages[%d] content too large (%d bytes, max %d)", i, n, maxMessageSize)}
		}
	}

	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return &ValidationError{Message: "temperature must be between 0 and 2"}
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return &ValidationError{Message: "top_p must be between 0 and 1"}
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return &ValidationError{Message: "max_tokens must be positive"}
	}
	for i, t := range r.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return &ValidationError{Message: fmt.Sprintf("tools[%d] name is required", i)}
		}
	}

	return nil
}

type ResponseMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the OpenAI-shaped chat.completion object every
// provider's reply is converted into.
type CompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Text returns the first choice's content, or "" when it is null.
func (r *CompletionResponse) Text() string {
	if r == nil || len(r.Choices) == 0 || r.Choices[0].Message.Content == nil {
		return ""
	}
	return *r.Choices[0].Message.Content
}

// Delta is one unit of a normalized stream: a text fragment, or the single
// terminal marker carrying the finish reason.
type Delta struct {
	Text         string
	Terminal     bool
	FinishReason string
}

type ModelDescriptor struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	DisplayName string `json:"display_name"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
}

func stringPtr(s string) *string {
	return &s
}

// replyContent builds the canonical content field: null when the reply is
// only tool calls, otherwise the text.
func replyContent(text string, calls []ToolCall) *string {
	if text == "" && len(calls) > 0 {
		return nil
	}
	return stringPtr(text)
}
