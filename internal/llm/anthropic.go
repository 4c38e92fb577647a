package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Anthropic talks to the Messages API (/v1/messages).
type Anthropic struct {
	base
}

func (p *Anthropic) Kind() Kind { return KindAnthropic }

const jsonOnlyInstruction = "Respond only with a single valid JSON value. Do not wrap it in markdown or add commentary."

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []AnthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
}

type AnthropicMessage struct {
	Role    string           `json:"role"`
	Content []AnthropicBlock `json:"content"`
}

// AnthropicBlock is one native content block. Which fields are set depends
// on Type: text, image, tool_use or tool_result.
type AnthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *AnthropicImageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type AnthropicImageSource struct {
	Type      string `json:"type"` // base64 | url
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Content    []AnthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

var anthropicTextOnly = []string{"claude-2", "claude-instant"}

// FormatMessages returns the top-level system prompt and the turn list.
// System messages are lifted out in order; tool turns become user turns
// carrying a tool_result block, or plain text when there is no call id.
func (p *Anthropic) FormatMessages(model string, msgs []Message) (string, []AnthropicMessage, error) {
	var system []string
	out := make([]AnthropicMessage, 0, len(msgs))

	for i, m := range msgs {
		if m.Content.HasImages() && !p.supportsImages(model, anthropicTextOnly...) {
			return "", nil, &UnsupportedContentError{Provider: p.Name(), Model: model,
				Reason: fmt.Sprintf("messages[%d]: model does not accept image input", i)}
		}

		switch m.Role {
		case RoleSystem:
			if t := m.Content.PlainText(); t != "" {
				system = append(system, t)
			}

		case RoleTool:
			text := m.Content.PlainText()
			if m.ToolCallID == "" {
				out = append(out, AnthropicMessage{Role: RoleUser, Content: []AnthropicBlock{{Type: "text", Text: text}}})
				continue
			}
			out = append(out, AnthropicMessage{Role: RoleUser, Content: []AnthropicBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   text,
			}}})

		case RoleAssistant:
			blocks, err := p.formatBlocks(model, i, m.Content)
			if err != nil {
				return "", nil, err
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, AnthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			out = append(out, AnthropicMessage{Role: RoleAssistant, Content: blocks})

		default:
			blocks, err := p.formatBlocks(model, i, m.Content)
			if err != nil {
				return "", nil, err
			}
			out = append(out, AnthropicMessage{Role: RoleUser, Content: blocks})
		}
	}

	return strings.Join(system, "\n\n"), out, nil
}

func (p *Anthropic) formatBlocks(model string, idx int, c Content) ([]AnthropicBlock, error) {
	blocks := c.Blocks()
	out := make([]AnthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == BlockText {
			out = append(out, AnthropicBlock{Type: "text", Text: b.Text})
			continue
		}

		if mime, data, ok := parseDataURI(b.URL); ok {
			out = append(out, AnthropicBlock{Type: "image", Source: &AnthropicImageSource{
				Type:      "base64",
				MediaType: mime,
				Data:      data,
			}})
			continue
		}
		if isRemoteURL(b.URL) {
			out = append(out, AnthropicBlock{Type: "image", Source: &AnthropicImageSource{Type: "url", URL: b.URL}})
			continue
		}
		return nil, &UnsupportedContentError{Provider: p.Name(), Model: model,
			Reason: fmt.Sprintf("messages[%d]: image must be a base64 data URI or http(s) URL", idx)}
	}
	if len(out) == 0 {
		out = append(out, AnthropicBlock{Type: "text", Text: ""})
	}
	return out, nil
}

func (p *Anthropic) FormatTools(tools []Tool) []AnthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]AnthropicTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, AnthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.schema(),
		})
	}
	return out
}

func (p *Anthropic) buildRequest(req *CompletionRequest, stream bool) (*anthropicRequest, error) {
	system, msgs, err := p.FormatMessages(req.Model, req.Messages)
	if err != nil {
		return nil, err
	}
	if req.ResponseFormat.wantsJSON() {
		if system != "" {
			system += "\n\n"
		}
		system += jsonOnlyInstruction
		if schema := req.ResponseFormat.jsonSchemaBody(); schema != nil {
			system += " The JSON must match this schema: " + string(schema)
		}
	}
	return &anthropicRequest{
		Model:         req.Model,
		System:        system,
		Messages:      msgs,
		MaxTokens:     p.maxTokens(req.Model, req.MaxTokens),
		Stream:        stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Tools:         p.FormatTools(req.Tools),
	}, nil
}

func (p *Anthropic) headers() http.Header {
	h := http.Header{}
	h.Set("x-api-key", p.cfg.APIKey)
	h.Set("anthropic-version", p.cfg.APIVersion)
	return h
}

func (p *Anthropic) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	pReq, err := p.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", p.headers(), pReq)
	if err != nil {
		return nil, err
	}
	body, err := p.readBody(resp)
	if err != nil {
		return nil, err
	}
	return p.FormatResponse(body)
}

func (p *Anthropic) CreateStreamingCompletion(ctx context.Context, req *CompletionRequest) (*Stream, error) {
	pReq, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	h := p.headers()
	h.Set("Accept", "text/event-stream")
	resp, err := p.send(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", h, pReq)
	if err != nil {
		cancel()
		return nil, err
	}
	return newStream(p.Name(), resp.Body, cancel, &anthropicDialect{provider: p.Name()}, p.logger), nil
}

func (p *Anthropic) FormatResponse(body []byte) (*CompletionResponse, error) {
	var pResp anthropicResponse
	if err := json.Unmarshal(body, &pResp); err != nil {
		return nil, fmt.Errorf("llm: decode %s response: %w", p.Name(), err)
	}

	// Text blocks are joined in order so the reply reads the same as the
	// concatenated stream deltas.
	var (
		text  strings.Builder
		calls []ToolCall
	)
	for _, b := range pResp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, ToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: FunctionCall{Name: b.Name, Arguments: args},
			})
		}
	}

	id := pResp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	return &CompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   pResp.Model,
		Choices: []Choice{{
			Index: 0,
			Message: ResponseMessage{
				Role:      RoleAssistant,
				Content:   replyContent(text.String(), calls),
				ToolCalls: calls,
			},
			FinishReason: anthropicFinishReason(pResp.StopReason),
		}},
		Usage: &Usage{
			PromptTokens:     pResp.Usage.InputTokens,
			CompletionTokens: pResp.Usage.OutputTokens,
			TotalTokens:      pResp.Usage.InputTokens + pResp.Usage.OutputTokens,
		},
	}, nil
}

func anthropicFinishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "", "end_turn", "stop_sequence":
		return "stop"
	default:
		return stop
	}
}

type anthropicModelList struct {
	Data []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

// ListModels merges the backend listing with the configured catalog.
func (p *Anthropic) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	return p.listModels(ctx, p.fetchModels)
}

func (p *Anthropic) fetchModels(ctx context.Context) ([]ModelDescriptor, error) {
	resp, err := p.send(ctx, http.MethodGet, p.cfg.BaseURL+"/v1/models", p.headers(), nil)
	if err != nil {
		return nil, err
	}
	body, err := p.readBody(resp)
	if err != nil {
		return nil, err
	}

	var list anthropicModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("llm: decode %s model list: %w", p.Name(), err)
	}

	out := make([]ModelDescriptor, 0, len(list.Data))
	for _, m := range list.Data {
		fallback := m.DisplayName
		if fallback == "" {
			fallback = m.ID
		}
		name, maxTokens := p.displayName(m.ID, fallback)
		out = append(out, ModelDescriptor{
			ID:          m.ID,
			Provider:    p.Name(),
			DisplayName: name,
			MaxTokens:   maxTokens,
		})
	}
	p.logger.Debug("listed models", zap.Int("count", len(out)))
	return out, nil
}

// anthropicStreamEvent covers every event type we read: content_block_delta,
// message_delta, message_stop and error.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicDialect: typed events. Text arrives in content_block_delta events
// with a text_delta; message_stop ends the stream.
type anthropicDialect struct {
	provider string
	stop     string
}

func (d *anthropicDialect) decode(ev sseEvent) ([]string, bool, error) {
	var e anthropicStreamEvent
	if err := json.Unmarshal(ev.Data, &e); err != nil {
		return nil, false, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	typ := e.Type
	if typ == "" {
		typ = ev.Name
	}

	switch typ {
	case "content_block_delta":
		if e.Delta.Type == "text_delta" {
			return []string{e.Delta.Text}, false, nil
		}
	case "message_delta":
		if e.Delta.StopReason != "" {
			d.stop = e.Delta.StopReason
		}
	case "message_stop":
		return nil, true, nil
	case "error":
		status := http.StatusBadGateway
		if e.Error != nil && e.Error.Type == "overloaded_error" {
			status = 529
		}
		return nil, false, &UpstreamError{Provider: d.provider, Status: status, Body: ev.Data}
	}
	// message_start, content_block_start/stop, ping
	return nil, false, nil
}

func (d *anthropicDialect) finishReason() string {
	return anthropicFinishReason(d.stop)
}

func (d *anthropicDialect) endsAtEOF() bool {
	return false
}
