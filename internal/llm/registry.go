package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type route struct {
	provider Provider
	model    string // upstream model id
}

// Registry maps model ids and aliases to providers.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	byKind    map[Kind]Provider
	models    map[string]route
	logger    *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byKind: make(map[Kind]Provider),
		models: make(map[string]route),
		logger: logger.Named("registry"),
	}
}

// Register adds p with its configured models and aliases. One provider per
// kind may be registered.
func (r *Registry) Register(p Provider, models []ModelConfig, aliases map[string]string) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKind[p.Kind()]; exists {
		return fmt.Errorf("provider kind %q already registered", p.Kind())
	}

	for _, m := range models {
		if _, exists := r.models[m.ID]; exists {
			return fmt.Errorf("model %q already registered", m.ID)
		}
		r.models[m.ID] = route{provider: p, model: m.ID}
	}

	for alias, target := range aliases {
		if _, exists := r.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}
		r.models[alias] = route{provider: p, model: target}
	}

	r.byKind[p.Kind()] = p
	r.providers = append(r.providers, p)
	return nil
}

// Resolve returns the provider for model and the model id to send upstream.
// Unconfigured ids fall back to a family guess from the name.
func (r *Registry) Resolve(model string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rt, ok := r.models[model]; ok {
		return rt.provider, rt.model, nil
	}

	if p, ok := r.byKind[guessKind(model)]; ok {
		return p, model, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
}

func guessKind(model string) Kind {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return KindAnthropic
	case strings.Contains(m, "gemini"):
		return KindGemini
	default:
		return KindOpenAI
	}
}

func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// ListModels concatenates every provider's listing in registration order.
// A failing provider is skipped; the call fails only when all of them fail.
func (r *Registry) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	var (
		out      []ModelDescriptor
		firstErr error
		failed   int
	)
	providers := r.Providers()
	for _, p := range providers {
		models, err := p.ListModels(ctx)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			r.logger.Warn("list models failed",
				zap.String("provider", p.Name()),
				zap.Error(err),
			)
			continue
		}
		out = append(out, models...)
	}
	if len(providers) > 0 && failed == len(providers) {
		return nil, firstErr
	}
	if out == nil {
		out = []ModelDescriptor{}
	}
	return out, nil
}
