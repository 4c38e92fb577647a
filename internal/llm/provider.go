package llm

import (
	"context"
)

// Provider is the capability set every backend variant implements. The
// typed FormatMessages/FormatTools translations live on the concrete types
// (*OpenAI, *Anthropic, *Gemini) because each returns its own native shape.
type Provider interface {
	Name() string
	Kind() Kind

	// CreateCompletion issues a non-streaming call and converts the native
	// reply with FormatResponse. Non-2xx replies fail with *UpstreamError.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CreateStreamingCompletion opens a streaming call. The returned Stream
	// owns the upstream connection until it ends or Close is called.
	CreateStreamingCompletion(ctx context.Context, req *CompletionRequest) (*Stream, error)

	// FormatResponse converts one native completion body to the canonical shape.
	FormatResponse(body []byte) (*CompletionResponse, error)

	ListModels(ctx context.Context) ([]ModelDescriptor, error)
}
