package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gemini talks to the Generative Language API (v1beta).
type Gemini struct {
	base
}

func (p *Gemini) Kind() Kind { return KindGemini }

type geminiRequest struct {
	Contents         []GeminiContent         `json:"contents"`
	Tools            []GeminiTool            `json:"tools,omitempty"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role"`
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *GeminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *GeminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionResponse `json:"functionResponse,omitempty"`
}

type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type GeminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type GeminiTool struct {
	FunctionDeclarations []GeminiFunctionDecl `json:"functionDeclarations"`
}

type GeminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"topP,omitempty"`
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	StopSequences    []string        `json:"stopSequences,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []GeminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

var geminiTextOnly = []string{"gemini-1.0-pro", "gemini-pro"}

// FormatMessages maps canonical turns onto user/model contents. Gemini has
// no system role: system text at the very start of the conversation is
// folded into the first turn when that turn is the user's. Any other system
// message becomes a user turn of its own in place. Tool results are user turns with a functionResponse part.
func (p *Gemini) FormatMessages(model string, msgs []Message) ([]GeminiContent, error) {
	out := make([]GeminiContent, 0, len(msgs))
	var pendingSystem []GeminiPart
	leading := true // no non-system turn emitted yet
	names := toolCallNames(msgs)

	for i, m := range msgs {
		if m.Content.HasImages() && !p.supportsImages(model, geminiTextOnly...) {
			return nil, &UnsupportedContentError{Provider: p.Name(), Model: model,
				Reason: fmt.Sprintf("messages[%d]: model does not accept image input", i)}
		}

		// Leading system text only folds into a user turn that comes first.
		if leading && (m.Role == RoleAssistant || m.Role == RoleTool) {
			if len(pendingSystem) > 0 {
				out = append(out, GeminiContent{Role: "user", Parts: pendingSystem})
				pendingSystem = nil
			}
			leading = false
		}

		switch m.Role {
		case RoleSystem:
			text := m.Content.PlainText()
			if text == "" {
				continue
			}
			if leading {
				pendingSystem = append(pendingSystem, GeminiPart{Text: text})
				continue
			}
			out = append(out, GeminiContent{Role: "user", Parts: []GeminiPart{{Text: text}}})

		case RoleUser:
			parts, err := p.formatParts(model, i, m.Content)
			if err != nil {
				return nil, err
			}
			if leading {
				parts = append(pendingSystem, parts...)
				pendingSystem = nil
				leading = false
			}
			out = append(out, GeminiContent{Role: "user", Parts: parts})

		case RoleAssistant:
			var parts []GeminiPart
			if text := m.Content.PlainText(); text != "" {
				parts = append(parts, GeminiPart{Text: text})
			}
			for _, tc := range m.ToolCalls {
				args := json.RawMessage(tc.Function.Arguments)
				if !json.Valid(args) {
					args = json.RawMessage(`{}`)
				}
				parts = append(parts, GeminiPart{FunctionCall: &GeminiFunctionCall{Name: tc.Function.Name, Args: args}})
			}
			if len(parts) == 0 {
				parts = []GeminiPart{{Text: ""}}
			}
			out = append(out, GeminiContent{Role: "model", Parts: parts})

		case RoleTool:
			text := m.Content.PlainText()
			name := m.Name
			if name == "" {
				name = names[m.ToolCallID]
			}
			if name == "" {
				out = append(out, GeminiContent{Role: "user", Parts: []GeminiPart{{Text: text}}})
				continue
			}
			out = append(out, GeminiContent{Role: "user", Parts: []GeminiPart{{
				FunctionResponse: &GeminiFunctionResponse{
					Name:     name,
					Response: map[string]any{"content": text},
				},
			}}})
		}
	}

	// Only system text was sent.
	if len(pendingSystem) > 0 {
		out = append(out, GeminiContent{Role: "user", Parts: pendingSystem})
	}
	return out, nil
}

// toolCallNames maps assistant tool call ids to function names so tool
// results can be answered by name.
func toolCallNames(msgs []Message) map[string]string {
	names := make(map[string]string)
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Function.Name
		}
	}
	return names
}

func (p *Gemini) formatParts(model string, idx int, c Content) ([]GeminiPart, error) {
	blocks := c.Blocks()
	out := make([]GeminiPart, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == BlockText {
			out = append(out, GeminiPart{Text: b.Text})
			continue
		}
		mime, data, ok := parseDataURI(b.URL)
		if !ok {
			return nil, &UnsupportedContentError{Provider: p.Name(), Model: model,
				Reason: fmt.Sprintf("messages[%d]: images must be base64 data URIs", idx)}
		}
		out = append(out, GeminiPart{InlineData: &GeminiInlineData{MimeType: mime, Data: data}})
	}
	if len(out) == 0 {
		out = append(out, GeminiPart{Text: ""})
	}
	return out, nil
}

func (p *Gemini) FormatTools(tools []Tool) []GeminiTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]GeminiFunctionDecl, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, GeminiFunctionDecl{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.schema(),
		})
	}
	return []GeminiTool{{FunctionDeclarations: decls}}
}

func (p *Gemini) buildRequest(req *CompletionRequest) (*geminiRequest, error) {
	contents, err := p.FormatMessages(req.Model, req.Messages)
	if err != nil {
		return nil, err
	}

	gc := &geminiGenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.Stop,
	}
	if req.ResponseFormat.wantsJSON() {
		gc.ResponseMimeType = "application/json"
		gc.ResponseSchema = req.ResponseFormat.jsonSchemaBody()
	}

	return &geminiRequest{
		Contents:         contents,
		Tools:            p.FormatTools(req.Tools),
		GenerationConfig: gc,
	}, nil
}

func (p *Gemini) headers() http.Header {
	h := http.Header{}
	h.Set("x-goog-api-key", p.cfg.APIKey)
	return h
}

func (p *Gemini) endpoint(model, method string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:%s", p.cfg.BaseURL, url.PathEscape(model), method)
}

func (p *Gemini) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	pReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, http.MethodPost, p.endpoint(req.Model, "generateContent"), p.headers(), pReq)
	if err != nil {
		return nil, err
	}
	body, err := p.readBody(resp)
	if err != nil {
		return nil, err
	}
	out, err := p.FormatResponse(body)
	if err != nil {
		return nil, err
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

// CreateStreamingCompletion uses streamGenerateContent with alt=sse; the
// stream flag lives in the method name rather than the body.
func (p *Gemini) CreateStreamingCompletion(ctx context.Context, req *CompletionRequest) (*Stream, error) {
	pReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	h := p.headers()
	h.Set("Accept", "text/event-stream")
	resp, err := p.send(ctx, http.MethodPost, p.endpoint(req.Model, "streamGenerateContent")+"?alt=sse", h, pReq)
	if err != nil {
		cancel()
		return nil, err
	}
	return newStream(p.Name(), resp.Body, cancel, &geminiDialect{}, p.logger), nil
}

func (p *Gemini) FormatResponse(body []byte) (*CompletionResponse, error) {
	var pResp geminiResponse
	if err := json.Unmarshal(body, &pResp); err != nil {
		return nil, fmt.Errorf("llm: decode %s response: %w", p.Name(), err)
	}

	out := &CompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   pResp.ModelVersion,
	}
	if pResp.UsageMetadata != nil {
		out.Usage = &Usage{
			PromptTokens:     pResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: pResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      pResp.UsageMetadata.TotalTokenCount,
		}
	}

	// A prompt blocked by safety filters comes back without candidates.
	if len(pResp.Candidates) == 0 {
		out.Choices = []Choice{{
			Message:      ResponseMessage{Role: RoleAssistant, Content: stringPtr("")},
			FinishReason: "content_filter",
		}}
		return out, nil
	}

	cand := pResp.Candidates[0]
	var (
		text  strings.Builder
		calls []ToolCall
	)
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args := string(part.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, ToolCall{
				ID:       fmt.Sprintf("call_%d", len(calls)),
				Type:     "function",
				Function: FunctionCall{Name: part.FunctionCall.Name, Arguments: args},
			})
		case part.Text != "":
			text.WriteString(part.Text)
		}
	}

	finish := geminiFinishReason(cand.FinishReason)
	if len(calls) > 0 {
		finish = "tool_calls"
	}
	out.Choices = []Choice{{
		Message: ResponseMessage{
			Role:      RoleAssistant,
			Content:   replyContent(text.String(), calls),
			ToolCalls: calls,
		},
		FinishReason: finish,
	}}
	return out, nil
}

func geminiFinishReason(r string) string {
	switch r {
	case "", "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	default:
		return strings.ToLower(r)
	}
}

type geminiModelList struct {
	Models []struct {
		Name                       string   `json:"name"`
		DisplayName                string   `json:"displayName"`
		OutputTokenLimit           int      `json:"outputTokenLimit"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

// ListModels merges the backend listing with the configured catalog.
func (p *Gemini) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	return p.listModels(ctx, p.fetchModels)
}

func (p *Gemini) fetchModels(ctx context.Context) ([]ModelDescriptor, error) {
	resp, err := p.send(ctx, http.MethodGet, p.cfg.BaseURL+"/v1beta/models", p.headers(), nil)
	if err != nil {
		return nil, err
	}
	body, err := p.readBody(resp)
	if err != nil {
		return nil, err
	}

	var list geminiModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("llm: decode %s model list: %w", p.Name(), err)
	}

	out := make([]ModelDescriptor, 0, len(list.Models))
	for _, m := range list.Models {
		if !supportsGenerate(m.SupportedGenerationMethods) {
			continue
		}
		id := strings.TrimPrefix(m.Name, "models/")
		fallback := m.DisplayName
		if fallback == "" {
			fallback = id
		}
		name, maxTokens := p.displayName(id, fallback)
		if maxTokens == 0 {
			maxTokens = m.OutputTokenLimit
		}
		out = append(out, ModelDescriptor{
			ID:          id,
			Provider:    p.Name(),
			DisplayName: name,
			MaxTokens:   maxTokens,
		})
	}
	p.logger.Debug("listed models", zap.Int("count", len(out)))
	return out, nil
}

func supportsGenerate(methods []string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == "generateContent" {
			return true
		}
	}
	return false
}

// geminiDialect: every event is a full GenerateContentResponse holding the
// next slice of text. The chunk carrying finishReason is the last one.
type geminiDialect struct {
	finish string
}

func (d *geminiDialect) decode(ev sseEvent) ([]string, bool, error) {
	var chunk geminiResponse
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return nil, false, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if len(chunk.Candidates) == 0 {
		return nil, false, nil
	}

	cand := chunk.Candidates[0]
	var out []string
	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			out = append(out, part.Text)
		}
	}
	if cand.FinishReason != "" {
		d.finish = cand.FinishReason
		return out, true, nil
	}
	return out, false, nil
}

func (d *geminiDialect) finishReason() string {
	return geminiFinishReason(d.finish)
}

func (d *geminiDialect) endsAtEOF() bool {
	return false
}
