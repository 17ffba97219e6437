// Package toolbox registers the tools an agent pipeline may invoke and runs
// them with the fabric's side-effect discipline: every attempt is recorded on
// the turn, irreversible successes set the turn's commit point, and
// idempotency keys keep retried turns from re-running irreversible effects.
package toolbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ruche-ai/ruche/pkg/models"
)

// ErrToolNotFound is returned when a pipeline names an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// ErrToolTimeout is returned when a tool exceeds its execution timeout.
var ErrToolTimeout = errors.New("tool execution timed out")

// Handler executes one tool invocation.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool is one registered tool.
type Tool struct {
	ID               string
	Description      string
	SideEffectPolicy models.SideEffectPolicy
	Timeout          time.Duration
	Handler          Handler
}

// Registry holds the tools registered for the process. Agent configuration
// restricts which of these an agent may call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) error {
	if t.ID == "" {
		return fmt.Errorf("tool id must be non-empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.ID] = t
	return nil
}

// Get returns a tool by id.
func (r *Registry) Get(id string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}
	return t, nil
}

// IDs returns the registered tool ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}
