// Package pipeline defines the cognitive pipeline contract: the scheduler
// hands a pipeline one frozen TurnContext and receives segments plus the next
// session state. Pipelines never touch the mutex, scheduling or event
// plumbing directly.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ruche-ai/ruche/pkg/models"
)

// ErrAborted is returned by a pipeline that observed cancellation and stopped
// cooperatively before any irreversible effect.
var ErrAborted = errors.New("turn aborted")

// RetryableError marks a transient pipeline failure (provider errors, rate
// limits) that the scheduler may retry as long as the turn's commit point was
// not reached. RetryAfter carries a provider-imposed wait when one was given.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as retryable.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// RetryableAfter wraps err as retryable with a provider-imposed wait.
func RetryableAfter(err error, wait time.Duration) error {
	return &RetryableError{Err: err, RetryAfter: wait}
}

// IsRetryable reports whether the scheduler may re-invoke the pipeline after
// err. Explicit RetryableError wrappers qualify, as does a per-attempt
// timeout; the turn's total timeout still bounds the whole schedule.
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ViolationError marks a policy violation the pipeline detected in the turn's
// content. Violations are never retried; the scheduler records the violation
// and fails the turn.
type ViolationError struct {
	Policy string
	Err    error
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("policy %s violated: %v", e.Policy, e.Err)
}

func (e *ViolationError) Unwrap() error { return e.Err }

// ToolRunner executes tools on behalf of the running turn.
type ToolRunner interface {
	Execute(ctx context.Context, toolID string, args map[string]any, idempotencyKey string) (map[string]any, error)
}

// ScenarioView is the reconciled scenario position handed to the pipeline.
// Nil when the session has no active scenario.
type ScenarioView struct {
	ScenarioID string
	Version    int
	StepID     string
	Step       *models.Step

	// Relocalized reports that the position was recovered rather than
	// reached by a normal transition this turn.
	Relocalized bool

	// GapVariables lists required variables missing after a version jump;
	// the pipeline should collect them before advancing.
	GapVariables []string
}

// TurnContext is the frozen view a pipeline runs against. Messages and
// session state are snapshots; the committed state is always derived from
// Session, never shared memory.
type TurnContext struct {
	Turn    *models.LogicalTurn
	Session *models.SessionState

	// Scenario is the reconciled position, nil outside scenarios.
	Scenario *ScenarioView

	// Tools runs tool invocations with the fabric's side-effect discipline.
	Tools ToolRunner

	// Emit publishes a pipeline-originated event into the turn's stream.
	Emit func(e *models.Event)

	// HasPendingMessages reports whether newer messages arrived after this
	// turn's window closed. Pipelines may use it to soften phrasing near the
	// end of a long run.
	HasPendingMessages func(ctx context.Context) bool

	// CancelRequested reports whether a supersede asked this turn to stop.
	// Pipelines must check it between steps and return ErrAborted when set,
	// unless the commit point has been reached.
	CancelRequested func(ctx context.Context) bool
}

// TurnResult is a pipeline's output.
type TurnResult struct {
	// Segments is the ordered response to deliver on the session's channel.
	Segments []models.ResponseSegment

	// State is the next session state, derived from the context's snapshot.
	// Nil means no state change beyond the scheduler's own bookkeeping.
	State *models.SessionState
}

// Pipeline is one cognitive pipeline implementation.
type Pipeline interface {
	// Name identifies the pipeline in agent configuration.
	Name() string

	// RunTurn processes one logical turn.
	RunTurn(ctx context.Context, tc *TurnContext) (*TurnResult, error)
}

// Registry maps pipeline names to implementations.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]Pipeline
	fallback  string
}

// NewRegistry creates an empty pipeline registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]Pipeline)}
}

// Register adds a pipeline. The first registration becomes the fallback for
// agents that name no pipeline.
func (r *Registry) Register(p Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pipelines) == 0 {
		r.fallback = p.Name()
	}
	r.pipelines[p.Name()] = p
}

// Resolve returns the pipeline for a name; "" resolves to the fallback.
func (r *Registry) Resolve(name string) (Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	p, ok := r.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", name)
	}
	return p, nil
}
