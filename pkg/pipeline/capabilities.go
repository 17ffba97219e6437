package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Generator produces text from a prompt. Implementations wrap whichever
// model provider the deployment uses.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Embedder maps text to a dense vector. The scenario navigator scores
// transition conditions with it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Reranker orders candidate texts by relevance to a query, returning indexes
// into the candidate slice, best first.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []string) ([]int, error)
}

// Capabilities routes capability lookups by model string. Model strings take
// the form "provider/model"; the provider prefix selects the registered
// implementation, so "openai/text-embedding-3-small" and "local/minilm" can
// coexist.
type Capabilities struct {
	mu         sync.RWMutex
	generators map[string]Generator
	embedders  map[string]Embedder
	rerankers  map[string]Reranker
}

// NewCapabilities creates an empty capability router.
func NewCapabilities() *Capabilities {
	return &Capabilities{
		generators: make(map[string]Generator),
		embedders:  make(map[string]Embedder),
		rerankers:  make(map[string]Reranker),
	}
}

// RegisterGenerator registers a generator under a provider prefix.
func (c *Capabilities) RegisterGenerator(provider string, g Generator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generators[provider] = g
}

// RegisterEmbedder registers an embedder under a provider prefix.
func (c *Capabilities) RegisterEmbedder(provider string, e Embedder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.embedders[provider] = e
}

// RegisterReranker registers a reranker under a provider prefix.
func (c *Capabilities) RegisterReranker(provider string, r Reranker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rerankers[provider] = r
}

// Generator resolves a generator for a model string.
func (c *Capabilities) Generator(model string) (Generator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.generators[providerOf(model)]
	if !ok {
		return nil, fmt.Errorf("no generator registered for model %q", model)
	}
	return g, nil
}

// Embedder resolves an embedder for a model string.
func (c *Capabilities) Embedder(model string) (Embedder, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.embedders[providerOf(model)]
	if !ok {
		return nil, fmt.Errorf("no embedder registered for model %q", model)
	}
	return e, nil
}

// Reranker resolves a reranker for a model string.
func (c *Capabilities) Reranker(model string) (Reranker, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rerankers[providerOf(model)]
	if !ok {
		return nil, fmt.Errorf("no reranker registered for model %q", model)
	}
	return r, nil
}

func providerOf(model string) string {
	if i := strings.IndexByte(model, '/'); i > 0 {
		return model[:i]
	}
	return model
}
