package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"convpipe/internal/config"
	"convpipe/internal/domain"
)

// ProviderConstructor is a function that creates a provider from a config entry.
type ProviderConstructor func(name string, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Provider

// Factory creates and caches LLM providers from config.
type Factory struct {
	providers       map[string]config.ProviderConfig
	defaultProvider string
	failoverChain   []string
	client          *http.Client
	logger          *slog.Logger
	constructors    map[string]ProviderConstructor
	cache           map[string]domain.Provider
	mu              sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		providers:       cfg.Providers,
		defaultProvider: cfg.General.DefaultProvider,
		failoverChain:   cfg.General.FailoverChain,
		client:          SharedHTTPClient(defaultHTTPTimeout),
		logger:          logger,
		constructors:    make(map[string]ProviderConstructor),
		cache:           make(map[string]domain.Provider),
	}
	f.constructors["ollama"] = func(name string, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Provider {
		return NewOllama(OllamaConfig{Name: name, APIBase: pc.APIBase, DefaultModel: pc.DefaultModel, Client: client, Logger: logger})
	}
	f.constructors["openai"] = func(name string, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Provider {
		return NewOpenAI(OpenAIConfig{Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Client: client, Logger: logger})
	}
	return f
}

// RegisterConstructor adds (or replaces) a constructor for a provider kind.
func (f *Factory) RegisterConstructor(kind string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

// Get returns the provider with the given name, or the default if name is empty.
// Created providers are cached so the same instance is reused across calls.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.defaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	// Another goroutine may have created it meanwhile.
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	kind := pc.ProviderKind(name)
	ctor, found := f.constructors[kind]
	if !found {
		return nil, fmt.Errorf("provider %s: no constructor registered for kind %q", name, kind)
	}

	p := ctor(name, pc, f.client, f.logger)
	if pc.RateLimitPerMinute > 0 {
		p = NewRateLimited(p, pc.RateLimitBurst, pc.RateLimitPerMinute)
	}
	f.cache[name] = p
	return p, nil
}

// Build returns the failover chain when one is configured, otherwise the
// default provider.
func (f *Factory) Build() (domain.Provider, error) {
	if len(f.failoverChain) == 0 {
		return f.Get("")
	}
	chain := make([]domain.Provider, 0, len(f.failoverChain))
	for _, name := range f.failoverChain {
		p, err := f.Get(name)
		if err != nil {
			f.logger.Warn("failover member skipped", "provider", name, "err", err)
			continue
		}
		chain = append(chain, p)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no usable provider in failover chain %v", f.failoverChain)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return NewFailover(FailoverConfig{Providers: chain, Logger: f.logger}), nil
}

// HealthyProvider returns the first provider, by name, that passes a health check, or nil.
func (f *Factory) HealthyProvider(ctx context.Context) domain.Provider {
	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, err := f.Get(name)
		if err != nil {
			continue
		}
		if p.Healthy(ctx) == nil {
			return p
		}
	}
	return nil
}

// LoadProvider returns a provider built for pc without caching, for one-off
// health checks from the CLI.
func LoadProvider(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
	client := SharedHTTPClient(defaultHTTPTimeout)
	if pc.ProviderKind(name) == "ollama" {
		return NewOllama(OllamaConfig{Name: name, APIBase: pc.APIBase, DefaultModel: pc.DefaultModel, Client: client, Logger: logger})
	}
	return NewOpenAI(OpenAIConfig{Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Client: client, Logger: logger})
}
