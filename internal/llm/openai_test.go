package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"
)

const openAIStreamBody = "data: {\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
	"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
	": keep-alive\n\n" +
	"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\", world\"}}]}\n\n" +
	"data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
	"data: [DONE]\n\n"

const openAICompletionBody = `{"id":"chatcmpl-abc","object":"chat.completion","created":1700000000,"model":"gpt-4o",
"choices":[{"index":0,"message":{"role":"assistant","content":"Hello, world"},"finish_reason":"stop"}],
"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`

func TestOpenAIFormatMessages(t *testing.T) {
	t.Parallel()

	p := offlineProvider(t, KindOpenAI).(*OpenAI)
	msgs := []Message{
		{Role: RoleSystem, Content: TextContent("be brief")},
		{Role: RoleUser, Content: PartsContent(TextBlock("what is this?"), ImageBlock("data:image/png;base64,iVBORw0KGgo="))},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Type: "function", Function: FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`}}}},
		{Role: RoleTool, ToolCallID: "call_1", Content: TextContent("result")},
		{Role: RoleTool, Content: TextContent("orphan result")},
	}

	out, err := p.FormatMessages("gpt-4o", msgs)
	if err != nil {
		t.Fatalf("FormatMessages: %v", err)
	}
	if len(out) != len(msgs) {
		t.Fatalf("every message must map to one native message: got %d", len(out))
	}

	wantRoles := []string{RoleSystem, RoleUser, RoleAssistant, RoleTool, RoleUser}
	for i, m := range out {
		if m.Role != wantRoles[i] {
			t.Fatalf("message %d: expected role %s, got %s", i, wantRoles[i], m.Role)
		}
	}
	if out[2].Content != nil {
		t.Fatalf("tool-call-only assistant turn must have null content")
	}
	if got := out[1].Content.Blocks(); len(got) != 2 || got[0].Type != BlockText || got[1].Type != BlockImage {
		t.Fatalf("block order not preserved: %+v", got)
	}
	if out[3].ToolCallID != "call_1" {
		t.Fatalf("tool call id dropped: %+v", out[3])
	}

	b, err := json.Marshal(out[2])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":\"x\"}"}}]}` {
		t.Fatalf("unexpected assistant wire form: %s", b)
	}
}

func TestOpenAIImageOnTextOnlyModel(t *testing.T) {
	t.Parallel()

	p, rec := newTestProvider(t, KindOpenAI, replyJSON(openAICompletionBody))

	req := &CompletionRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []Message{{Role: RoleUser, Content: PartsContent(ImageBlock("https://example.com/cat.png"))}},
	}
	_, err := p.CreateCompletion(context.Background(), req)
	var uerr *UnsupportedContentError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnsupportedContentError, got %v", err)
	}
	if _, err := p.CreateStreamingCompletion(context.Background(), req); !errors.As(err, &uerr) {
		t.Fatalf("streaming: expected UnsupportedContentError, got %v", err)
	}
	if rec.get().method != "" {
		t.Fatalf("backend must not be called")
	}
}

func TestOpenAIToolsPassThroughVerbatim(t *testing.T) {
	t.Parallel()

	p := offlineProvider(t, KindOpenAI).(*OpenAI)
	schema := json.RawMessage(`{"type":"object","properties":{"city":{"type":"string","enum":["Paris","Oslo"]}},"required":["city"]}`)
	tools := p.FormatTools([]Tool{{Name: "weather", Description: "Get weather", Parameters: schema}, {Name: "noop"}})

	if len(tools) != 2 || tools[0].Type != "function" || tools[0].Function.Name != "weather" {
		t.Fatalf("unexpected tools %+v", tools)
	}
	if string(tools[0].Function.Parameters) != string(schema) {
		t.Fatalf("schema altered: %s", tools[0].Function.Parameters)
	}
	if string(tools[1].Function.Parameters) != `{"type":"object","properties":{}}` {
		t.Fatalf("missing schema should default to an empty object: %s", tools[1].Function.Parameters)
	}
}

func TestOpenAICreateCompletion(t *testing.T) {
	t.Parallel()

	p, rec := newTestProvider(t, KindOpenAI, replyJSON(openAICompletionBody))
	temp := 0.2
	req := userRequest("gpt-4o", "hi")
	req.Temperature = &temp
	req.ResponseFormat = &ResponseFormat{Type: "json_object"}

	resp, err := p.CreateCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if resp.ID != "chatcmpl-abc" || resp.Text() != "Hello, world" || resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 8 {
		t.Fatalf("usage lost: %+v", resp.Usage)
	}

	c := rec.get()
	if c.path != "/v1/chat/completions" || c.header.Get("Authorization") != "Bearer test-key" {
		t.Fatalf("unexpected upstream call %s %v", c.path, c.header)
	}
	body := rec.json(t)
	if body["model"] != "gpt-4o" || body["temperature"] != 0.2 {
		t.Fatalf("unexpected upstream body %v", body)
	}
	if _, ok := body["stream"]; ok {
		t.Fatalf("non-streaming call must not set stream")
	}
	if rf, _ := body["response_format"].(map[string]any); rf["type"] != "json_object" {
		t.Fatalf("response_format not forwarded: %v", body["response_format"])
	}
}

func TestOpenAIStreamMatchesCompletion(t *testing.T) {
	t.Parallel()

	buffered, _ := newTestProvider(t, KindOpenAI, replyJSON(openAICompletionBody))
	streamed, rec := newTestProvider(t, KindOpenAI, replySSE(openAIStreamBody))

	resp, err := buffered.CreateCompletion(context.Background(), userRequest("gpt-4o", "hi"))
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	s, err := streamed.CreateStreamingCompletion(context.Background(), userRequest("gpt-4o", "hi"))
	if err != nil {
		t.Fatalf("CreateStreamingCompletion: %v", err)
	}
	text, finish, err := collect(t, s)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if text != resp.Text() || finish != resp.Choices[0].FinishReason {
		t.Fatalf("stream %q/%s differs from completion %q/%s", text, finish, resp.Text(), resp.Choices[0].FinishReason)
	}
	if rec.json(t)["stream"] != true || rec.get().header.Get("Accept") != "text/event-stream" {
		t.Fatalf("streaming flags not sent")
	}
}

func TestOpenAIStreamFinishWithoutDone(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvider(t, KindOpenAI, replySSE(
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"cut\"}}]}\n\n"+
			"data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"length\"}]}\n\n"))

	s, err := p.CreateStreamingCompletion(context.Background(), userRequest("gpt-4o", "hi"))
	if err != nil {
		t.Fatalf("CreateStreamingCompletion: %v", err)
	}
	text, finish, err := collect(t, s)
	if err != nil || text != "cut" || finish != "length" {
		t.Fatalf("got %q/%q/%v", text, finish, err)
	}
}

func TestOpenAIStreamErrorEvent(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvider(t, KindOpenAI, replySSE(
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"par\"}}]}\n\n"+
			"data: {\"error\":{\"message\":\"server overloaded\",\"type\":\"server_error\"}}\n\n"))

	s, err := p.CreateStreamingCompletion(context.Background(), userRequest("gpt-4o", "hi"))
	if err != nil {
		t.Fatalf("CreateStreamingCompletion: %v", err)
	}
	text, finish, err := collect(t, s)
	var uerr *UpstreamError
	if !errors.As(err, &uerr) || uerr.StatusCode() != http.StatusBadGateway {
		t.Fatalf("expected 502 UpstreamError, got %v", err)
	}
	if text != "par" || finish != "" {
		t.Fatalf("delivered deltas must stand and no terminal follows: %q/%q", text, finish)
	}
}

func TestOpenAIRateLimitPassthrough(t *testing.T) {
	t.Parallel()

	const body = `{"error":{"message":"Rate limit reached","type":"requests"}}`
	p, _ := newTestProvider(t, KindOpenAI, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(body))
	})

	check := func(err error) {
		t.Helper()
		var uerr *UpstreamError
		if !errors.As(err, &uerr) {
			t.Fatalf("expected UpstreamError, got %v", err)
		}
		if uerr.Status != http.StatusTooManyRequests || string(uerr.Body) != body || uerr.RetryAfter != 30*time.Second {
			t.Fatalf("status, body or Retry-After not preserved: %+v", uerr)
		}
	}

	_, err := p.CreateCompletion(context.Background(), userRequest("gpt-4o", "hi"))
	check(err)
	_, err = p.CreateStreamingCompletion(context.Background(), userRequest("gpt-4o", "hi"))
	check(err)
}

func TestOpenAIFormatResponseNoChoices(t *testing.T) {
	t.Parallel()

	p := offlineProvider(t, KindOpenAI)
	if _, err := p.FormatResponse([]byte(`{"id":"x","choices":[]}`)); err == nil {
		t.Fatalf("expected error for empty choices")
	}
}

func TestOpenAIListModels(t *testing.T) {
	t.Parallel()

	p, rec := newTestProvider(t, KindOpenAI, replyJSON(`{"object":"list","data":[{"id":"gpt-4o"},{"id":"o3-mini"}]}`))
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if c := rec.get(); c.method != http.MethodGet || c.path != "/v1/models" {
		t.Fatalf("unexpected call %s %s", c.method, c.path)
	}
	if len(models) != 2 || models[1].ID != "o3-mini" || models[1].DisplayName != "o3-mini" || models[1].Provider != "openai" {
		t.Fatalf("unexpected models %+v", models)
	}
}
