package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"llm-edge-gateway/internal/llm"
	"llm-edge-gateway/pkg/logging/logging"
)

// ModelResolver finds the provider serving a model id. *llm.Registry
// implements it.
type ModelResolver interface {
	Resolve(model string) (llm.Provider, string, error)
}

// ChatHandler holds dependencies for the /v1/chat/completions endpoint.
type ChatHandler struct {
	models ModelResolver
}

func NewChatHandler(models ModelResolver) *ChatHandler {
	return &ChatHandler{models: models}
}

// ChatCompletion handles POST /v1/chat/completions. Auth and admission have
// already run; the reply is either one JSON body or a live SSE stream.
func (h *ChatHandler) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var req llm.CompletionRequest
	if err := decodeJSON(r, &req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		WriteError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		WriteError(w, r, err)
		return
	}

	provider, upstreamReq, err := h.route(&req)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	fields := []zap.Field{
		zap.String("model_id", req.Model),
		zap.String("upstream_model", upstreamReq.Model),
		zap.String("provider", provider.Name()),
		zap.Bool("stream", req.Stream),
		zap.Int("messages", len(req.Messages)),
	}

	if !req.Stream {
		resp, err := provider.CreateCompletion(ctx, upstreamReq)
		if err != nil {
			logger.Warn("chat_completion_failed", append(fields, zap.Error(err))...)
			WriteError(w, r, err)
			return
		}
		if resp.Model == "" {
			resp.Model = req.Model
		}

		logger.Info("chat_completion",
			append(fields, zap.Duration("total_latency_ms", time.Since(start)))...)
		WriteJSON(w, http.StatusOK, resp)
		return
	}

	stream, err := provider.CreateStreamingCompletion(ctx, upstreamReq)
	if err != nil {
		logger.Warn("chat_completion_stream_failed", append(fields, zap.Error(err))...)
		WriteError(w, r, err)
		return
	}
	defer stream.Close()

	deltas, err := writeStream(ctx, w, stream, req.Model)
	fields = append(fields,
		zap.Int("deltas", deltas),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
	if err != nil {
		logger.Warn("chat_completion_stream_aborted", append(fields, zap.Error(err))...)
		return
	}
	logger.Info("chat_completion", fields...)
}

// route resolves the provider and rewrites the model to its upstream id.
func (h *ChatHandler) route(req *llm.CompletionRequest) (llm.Provider, *llm.CompletionRequest, error) {
	provider, upstreamModel, err := h.models.Resolve(req.Model)
	if err != nil {
		return nil, nil, err
	}
	upstream := *req
	upstream.Model = upstreamModel
	return provider, &upstream, nil
}

// complete is the buffered path, shared with the voice routes.
func (h *ChatHandler) complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	provider, upstreamReq, err := h.route(req)
	if err != nil {
		return nil, err
	}
	return provider.CreateCompletion(ctx, upstreamReq)
}

type chunkDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// completionChunk is one OpenAI chat.completion.chunk frame.
type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

// writeStream re-frames canonical deltas as OpenAI chunks. "[DONE]" is only
// written after the terminal delta; a failed or cancelled stream ends
// without it so the caller can tell it was cut short.
func writeStream(ctx context.Context, w http.ResponseWriter, stream *llm.Stream, model string) (int, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return 0, fmt.Errorf("streaming unsupported by response writer")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	base := completionChunk{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
	}
	emit := func(delta chunkDelta, finish *string) error {
		c := base
		c.Choices = []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}}
		b, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	empty := ""
	if err := emit(chunkDelta{Role: llm.RoleAssistant, Content: &empty}, nil); err != nil {
		return 0, err
	}

	deltas := 0
	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return deltas, err
		}

		d := stream.Delta()
		if d.Terminal {
			finish := d.FinishReason
			if err := emit(chunkDelta{}, &finish); err != nil {
				return deltas, err
			}
			if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
				return deltas, err
			}
			flusher.Flush()
			return deltas, nil
		}

		text := d.Text
		if err := emit(chunkDelta{Content: &text}, nil); err != nil {
			return deltas, err
		}
		deltas++
	}

	err := stream.Err()
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = llm.ErrStreamTruncated
	}
	if ctx.Err() == nil {
		// Still connected: say why the stream stopped.
		b, _ := json.Marshal(map[string]any{"error": map[string]string{
			"message": err.Error(),
			"type":    "upstream_error",
		}})
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
	return deltas, err
}
