package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("boom"), false},
		{"retryable wrapper", Retryable(errors.New("rate limited")), true},
		{"retryable with wait", RetryableAfter(errors.New("429"), 5*time.Second), true},
		{"wrapped retryable", fmt.Errorf("turn: %w", Retryable(errors.New("boom"))), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded), true},
		{"cancellation is not retryable", context.Canceled, false},
		{"violation is not retryable", &ViolationError{Policy: "content", Err: errors.New("bad")}, false},
		{"aborted is not retryable", ErrAborted, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetryableError_Unwrap(t *testing.T) {
	cause := errors.New("provider unavailable")
	err := RetryableAfter(cause, 2*time.Second)

	require.ErrorIs(t, err, cause)

	var re *RetryableError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 2*time.Second, re.RetryAfter)
	assert.Equal(t, "provider unavailable", err.Error())
}

func TestViolationError(t *testing.T) {
	cause := errors.New("prohibited content")
	err := &ViolationError{Policy: "safety", Err: cause}

	assert.Equal(t, "policy safety violated: prohibited content", err.Error())
	require.ErrorIs(t, err, cause)

	var ve *ViolationError
	require.ErrorAs(t, fmt.Errorf("turn failed: %w", err), &ve)
	assert.Equal(t, "safety", ve.Policy)
}

type namedPipeline struct{ name string }

func (p *namedPipeline) Name() string { return p.name }

func (p *namedPipeline) RunTurn(_ context.Context, _ *TurnContext) (*TurnResult, error) {
	return &TurnResult{}, nil
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()

	_, err := r.Resolve("template")
	require.Error(t, err)

	first := &namedPipeline{name: "template"}
	second := &namedPipeline{name: "llm"}
	r.Register(first)
	r.Register(second)

	got, err := r.Resolve("llm")
	require.NoError(t, err)
	assert.Same(t, second, got)

	// The first registration is the fallback for agents naming no pipeline.
	got, err = r.Resolve("")
	require.NoError(t, err)
	assert.Same(t, first, got)

	_, err = r.Resolve("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown pipeline "unknown"`)
}
