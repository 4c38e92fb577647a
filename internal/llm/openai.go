package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// OpenAI talks to an OpenAI-compatible /v1/chat/completions backend.
type OpenAI struct {
	base
}

func (p *OpenAI) Kind() Kind { return KindOpenAI }

// Native request shape we send upstream.
type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []OpenAIMessage `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Tools          []OpenAITool    `json:"tools,omitempty"`
}

type OpenAIMessage struct {
	Role       string     `json:"role"`
	Content    *Content   `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIFunctionDecl `json:"function"`
}

type OpenAIFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string     `json:"role"`
			Content   *string    `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

// Chunk shape for streaming responses (each SSE "data:" event).
type openAIStreamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

var openAITextOnly = []string{"gpt-3.5", "o1-mini", "o3-mini", "davinci", "babbage"}

// FormatMessages maps canonical messages 1:1. A tool message without a
// tool_call_id cannot be a native tool turn and is sent as a user turn.
func (p *OpenAI) FormatMessages(model string, msgs []Message) ([]OpenAIMessage, error) {
	out := make([]OpenAIMessage, 0, len(msgs))
	for i, m := range msgs {
		if m.Content.HasImages() && !p.supportsImages(model, openAITextOnly...) {
			return nil, &UnsupportedContentError{Provider: p.Name(), Model: model,
				Reason: fmt.Sprintf("messages[%d]: model does not accept image input", i)}
		}

		nm := OpenAIMessage{
			Role:       m.Role,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  m.ToolCalls,
		}
		content := m.Content
		if !(m.Role == RoleAssistant && len(m.ToolCalls) > 0 && content.IsEmpty()) {
			nm.Content = &content
		}
		if m.Role == RoleTool && m.ToolCallID == "" {
			nm.Role = RoleUser
		}
		out = append(out, nm)
	}
	return out, nil
}

func (p *OpenAI) FormatTools(tools []Tool) []OpenAITool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]OpenAITool, 0, len(tools))
	for _, t := range tools {
		out = append(out, OpenAITool{
			Type: "function",
			Function: OpenAIFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.schema(),
			},
		})
	}
	return out
}

func (p *OpenAI) buildRequest(req *CompletionRequest, stream bool) (*openAIRequest, error) {
	msgs, err := p.FormatMessages(req.Model, req.Messages)
	if err != nil {
		return nil, err
	}
	return &openAIRequest{
		Model:          req.Model,
		Messages:       msgs,
		Stream:         stream,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		MaxTokens:      req.MaxTokens,
		Stop:           req.Stop,
		ResponseFormat: req.ResponseFormat,
		Tools:          p.FormatTools(req.Tools),
	}, nil
}

func (p *OpenAI) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.cfg.APIKey)
	return h
}

func (p *OpenAI) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	pReq, err := p.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/chat/completions", p.headers(), pReq)
	if err != nil {
		return nil, err
	}
	body, err := p.readBody(resp)
	if err != nil {
		return nil, err
	}
	return p.FormatResponse(body)
}

func (p *OpenAI) CreateStreamingCompletion(ctx context.Context, req *CompletionRequest) (*Stream, error) {
	pReq, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	h := p.headers()
	h.Set("Accept", "text/event-stream")
	resp, err := p.send(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/chat/completions", h, pReq)
	if err != nil {
		cancel()
		return nil, err
	}
	return newStream(p.Name(), resp.Body, cancel, &openAIDialect{}, p.logger), nil
}

func (p *OpenAI) FormatResponse(body []byte) (*CompletionResponse, error) {
	var pResp openAIResponse
	if err := json.Unmarshal(body, &pResp); err != nil {
		return nil, fmt.Errorf("llm: decode %s response: %w", p.Name(), err)
	}
	if len(pResp.Choices) == 0 {
		return nil, fmt.Errorf("llm: %s returned no choices", p.Name())
	}

	out := &CompletionResponse{
		ID:      pResp.ID,
		Object:  "chat.completion",
		Created: pResp.Created,
		Model:   pResp.Model,
		Choices: make([]Choice, 0, len(pResp.Choices)),
		Usage:   pResp.Usage,
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	for _, ch := range pResp.Choices {
		text := ""
		if ch.Message.Content != nil {
			text = *ch.Message.Content
		}
		out.Choices = append(out.Choices, Choice{
			Index: ch.Index,
			Message: ResponseMessage{
				Role:      RoleAssistant,
				Content:   replyContent(text, ch.Message.ToolCalls),
				ToolCalls: ch.Message.ToolCalls,
			},
			FinishReason: ch.FinishReason,
		})
	}
	return out, nil
}

type openAIModelList struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

// ListModels merges the backend listing with the configured catalog.
func (p *OpenAI) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	return p.listModels(ctx, p.fetchModels)
}

func (p *OpenAI) fetchModels(ctx context.Context) ([]ModelDescriptor, error) {
	resp, err := p.send(ctx, http.MethodGet, p.cfg.BaseURL+"/v1/models", p.headers(), nil)
	if err != nil {
		return nil, err
	}
	body, err := p.readBody(resp)
	if err != nil {
		return nil, err
	}

	var list openAIModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("llm: decode %s model list: %w", p.Name(), err)
	}

	out := make([]ModelDescriptor, 0, len(list.Data))
	for _, m := range list.Data {
		name, maxTokens := p.displayName(m.ID, m.ID)
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

// openAIDialect: choices[].delta.content fragments, "[DONE]" terminates.
type openAIDialect struct {
	finish string
}

func (d *openAIDialect) decode(ev sseEvent) ([]string, bool, error) {
	if string(ev.Data) == "[DONE]" {
		return nil, true, nil
	}

	var chunk openAIStreamChunk
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return nil, false, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if chunk.Error != nil {
		return nil, false, &UpstreamError{
			Provider: string(KindOpenAI),
			Status:   http.StatusBadGateway,
			Body:     ev.Data,
		}
	}

	var out []string
	for _, ch := range chunk.Choices {
		if ch.Index != 0 {
			continue
		}
		if ch.Delta.Content != "" {
			out = append(out, ch.Delta.Content)
		}
		if ch.FinishReason != nil && *ch.FinishReason != "" {
			d.finish = *ch.FinishReason
		}
	}
	return out, false, nil
}

func (d *openAIDialect) finishReason() string {
	if d.finish == "" {
		return "stop"
	}
	return d.finish
}

// Some OpenAI-compatible servers close the stream after the finish_reason
// chunk without sending [DONE].
func (d *openAIDialect) endsAtEOF() bool {
	return d.finish != ""
}
