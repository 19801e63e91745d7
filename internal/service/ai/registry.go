package ai

import (
	"context"
	"fmt"
	"sync"
	"time"

	"langy/internal/config"
)

// New builds a client for one configured provider. The provider kind
// defaults to its name.
func New(ctx context.Context, name string, prov config.ProviderConfig, model string) (Client, error) {
	kind := prov.Kind
	if kind == "" {
		kind = name
	}
	if model == "" {
		model = prov.Model
	}
	if model == "" {
		return nil, fmt.Errorf("provider %s: no model configured", name)
	}
	switch kind {
	case "openai":
		return newOpenAI(prov, model)
	case "openai_compatible", "gemini", "claude":
		return newEino(ctx, kind, prov, model)
	default:
		return nil, fmt.Errorf("invalid provider: %s", kind)
	}
}

// Registry lazily creates and caches one client per provider and model, each
// wrapped with the completion timeout.
type Registry struct {
	mu        sync.Mutex
	providers map[string]config.ProviderConfig
	timeout   time.Duration
	clients   map[string]Client
}

func NewRegistry(providers map[string]config.ProviderConfig, timeout time.Duration) *Registry {
	return &Registry{
		providers: providers,
		timeout:   timeout,
		clients:   make(map[string]Client),
	}
}

// Register installs c for provider and model, replacing any cached client.
func (r *Registry) Register(provider, model string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[provider+"/"+model] = WithTimeout(c, r.timeout)
}

func (r *Registry) Client(ctx context.Context, provider, model string) (Client, error) {
	key := provider + "/" + model
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	prov, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	c, err := New(ctx, provider, prov, model)
	if err != nil {
		return nil, err
	}
	c = WithTimeout(c, r.timeout)
	r.clients[key] = c
	return c, nil
}
