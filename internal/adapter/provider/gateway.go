// Package provider implements the gateway between the canonical chat shapes
// and concrete LLM vendor APIs. Each adapter speaks one wire protocol; the
// registry routes by provider id and runs every call through the circuit
// gate.
package provider

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forgestack/agentd/internal/adapter/observability"
	"github.com/forgestack/agentd/internal/config"
	"github.com/forgestack/agentd/internal/domain"
)

// Adapter translates one vendor's wire protocol. Implementations classify
// their own failures: transient trouble wraps ErrProviderUnavailable,
// definitive refusals wrap ErrProviderRejected.
type Adapter interface {
	Invoke(ctx domain.Context, model string, req domain.ChatRequest) (domain.ChatResponse, error)
}

// Registry implements domain.ProviderGateway over a provider-id keyed
// adapter map.
type Registry struct {
	adapters map[string]Adapter
	gate     domain.CircuitGate
}

// NewRegistry wires the adapters for every provider the config carries a
// key for. A provider without a key is left unregistered and its jobs fail
// closed with a terminal error.
func NewRegistry(cfg config.Config, gate domain.CircuitGate) *Registry {
	hc := &http.Client{Timeout: cfg.ProviderTimeout}
	adapters := make(map[string]Adapter)
	if cfg.AnthropicAPIKey != "" {
		adapters["anthropic"] = NewAnthropic(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey, cfg.AnthropicVersion, hc)
	}
	for _, p := range []struct{ id, baseURL, key string }{
		{"openai", cfg.OpenAIBaseURL, cfg.OpenAIAPIKey},
		{"groq", cfg.GroqBaseURL, cfg.GroqAPIKey},
		{"xai", cfg.XAIBaseURL, cfg.XAIAPIKey},
		{"google", cfg.GoogleBaseURL, cfg.GoogleAPIKey},
	} {
		if p.key != "" {
			adapters[p.id] = NewOpenAICompat(p.id, p.baseURL, p.key, hc)
		}
	}
	return &Registry{adapters: adapters, gate: gate}
}

// NewRegistryWith builds a registry from explicit adapters; tests inject
// fakes through it.
func NewRegistryWith(adapters map[string]Adapter, gate domain.CircuitGate) *Registry {
	return &Registry{adapters: adapters, gate: gate}
}

// Invoke implements domain.ProviderGateway. The circuit gate is consulted
// before the network call; a denial costs nothing and surfaces as
// ErrCircuitOpen. Every admitted call records an outcome so a half-open
// probe slot is always released: only ErrProviderUnavailable counts as a
// failure, because a rejected request proves the provider is healthy
// enough to say no.
func (r *Registry) Invoke(ctx domain.Context, provider, model string, req domain.ChatRequest) (domain.ChatResponse, error) {
	adapter, ok := r.adapters[provider]
	if !ok {
		return domain.ChatResponse{}, fmt.Errorf("op=provider.invoke provider=%s not configured: %w", provider, domain.ErrProviderRejected)
	}
	if !r.gate.Admit(provider) {
		observability.RecordProviderCall(provider, "circuit_open", 0)
		return domain.ChatResponse{}, fmt.Errorf("op=provider.invoke provider=%s: %w", provider, domain.ErrCircuitOpen)
	}

	start := time.Now()
	resp, err := adapter.Invoke(ctx, model, req)
	dur := time.Since(start)
	switch {
	case err == nil:
		r.gate.Record(provider, true)
		observability.RecordProviderCall(provider, "ok", dur)
		observability.RecordProviderTokens(provider, resp.Usage.TokensIn, resp.Usage.TokensOut)
	case errors.Is(err, domain.ErrProviderUnavailable):
		r.gate.Record(provider, false)
		observability.RecordProviderCall(provider, "unavailable", dur)
	default:
		r.gate.Record(provider, true)
		observability.RecordProviderCall(provider, "rejected", dur)
	}
	return resp, err
}

// classifyStatus maps an HTTP status to the error partition shared by both
// adapters. 429 counts as unavailable: the provider is alive but shedding
// load, and backing off is the right reaction.
func classifyStatus(provider string, status int, snippet string) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("op=provider.%s status=%d %s: %w", provider, status, snippet, domain.ErrProviderUnavailable)
	}
	return fmt.Errorf("op=provider.%s status=%d %s: %w", provider, status, snippet, domain.ErrProviderRejected)
}

// readSnippet drains up to n bytes of an error body for the log line.
func readSnippet(r io.Reader, n int64) string {
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return string(b)
}
