package config

import "time"

// ACFConfig groups the conversation-fabric core settings: concurrency
// strategy, message aggregation, and the timeout envelopes every turn runs
// under.
type ACFConfig struct {
	Concurrency *ConcurrencyConfig `yaml:"concurrency"`
	Aggregation *AggregationConfig `yaml:"aggregation"`
	Timeouts    *TimeoutConfig     `yaml:"timeouts"`
	Scheduler   *SchedulerConfig   `yaml:"scheduler"`
}

// ConcurrencyConfig controls per-session-key serialization.
type ConcurrencyConfig struct {
	// Strategy is the default supersede strategy; channels may override it.
	Strategy ConcurrencyStrategy `yaml:"strategy"`

	// MaxRunsPerSession is the number of in-flight turns allowed per session
	// key. The fabric's invariants assume 1; the knob exists only so tests
	// can assert the claim path rejects anything else.
	MaxRunsPerSession int `yaml:"max_runs_per_session"`
}

// AggregationConfig controls how inbound messages coalesce into turns.
type AggregationConfig struct {
	// WindowMsDefault is the quiet period that closes the aggregation window.
	WindowMsDefault int `yaml:"window_ms_default"`

	// PerChannelOverrides maps channel tag to a window override in ms.
	// Real-time channels (web, voice) typically use 0.
	PerChannelOverrides map[string]int `yaml:"per_channel_overrides,omitempty"`

	// MaxMessages caps messages absorbed into one turn.
	MaxMessages int `yaml:"max_messages"`

	// MaxBytes caps the aggregate payload size of one turn.
	MaxBytes int `yaml:"max_bytes"`
}

// WindowFor resolves the aggregation window for a channel.
func (a *AggregationConfig) WindowFor(channel string) time.Duration {
	if ms, ok := a.PerChannelOverrides[channel]; ok && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(a.WindowMsDefault) * time.Millisecond
}

// TimeoutConfig bounds the suspension points of a turn.
type TimeoutConfig struct {
	BrainMs int `yaml:"brain_ms"` // single pipeline invocation
	ToolMs  int `yaml:"tool_ms"`  // single tool execution
	TotalMs int `yaml:"total_ms"` // whole turn including retries
	MutexMs int `yaml:"mutex_ms"` // slot wait; 0 disables the bound
}

// Brain returns the pipeline timeout as a duration.
func (t *TimeoutConfig) Brain() time.Duration { return time.Duration(t.BrainMs) * time.Millisecond }

// Tool returns the tool timeout as a duration.
func (t *TimeoutConfig) Tool() time.Duration { return time.Duration(t.ToolMs) * time.Millisecond }

// Total returns the turn envelope timeout as a duration.
func (t *TimeoutConfig) Total() time.Duration { return time.Duration(t.TotalMs) * time.Millisecond }

// SchedulerConfig contains worker pool settings. These values control how
// pending session work is polled, claimed, and recovered.
type SchedulerConfig struct {
	// WorkerCount is the number of scheduler goroutines per replica/pod.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentTurns is the global limit of running turns across all
	// replicas. Enforced by a database COUNT(*) check.
	MaxConcurrentTurns int `yaml:"max_concurrent_turns"`

	// PollInterval is the base interval for checking pending messages.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// HeartbeatInterval is how often a running turn refreshes its heartbeat.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// GracefulShutdownTimeout is the max time to wait for running turns to
	// finish during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// OrphanDetectionInterval is how often to scan for orphaned turns.
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`

	// OrphanThreshold is how long a turn can go without a heartbeat before
	// it is considered orphaned and requeued.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// SessionIdleTimeout transitions sessions active → idle → closed.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// TurnMaxRetries is how many times a turn re-invokes its pipeline after a
	// retryable failure, as long as the commit point was not reached. The
	// turn's total timeout still bounds the whole schedule.
	TurnMaxRetries int `yaml:"turn_max_retries"`

	// TurnRetryBackoff is the delay before the first pipeline retry; it
	// doubles per attempt.
	TurnRetryBackoff time.Duration `yaml:"turn_retry_backoff"`
}

// DefaultACFConfig returns the built-in fabric defaults.
func DefaultACFConfig() *ACFConfig {
	return &ACFConfig{
		Concurrency: &ConcurrencyConfig{
			Strategy:          StrategyGroupRoundRobin,
			MaxRunsPerSession: 1,
		},
		Aggregation: &AggregationConfig{
			WindowMsDefault: 3000,
			PerChannelOverrides: map[string]int{
				"web":   0,
				"voice": 0,
			},
			MaxMessages: 20,
			MaxBytes:    256 * 1024,
		},
		Timeouts: &TimeoutConfig{
			BrainMs: 30_000,
			ToolMs:  15_000,
			TotalMs: 60_000,
			MutexMs: 0,
		},
		Scheduler: &SchedulerConfig{
			WorkerCount:             5,
			MaxConcurrentTurns:      50,
			PollInterval:            250 * time.Millisecond,
			PollIntervalJitter:      100 * time.Millisecond,
			HeartbeatInterval:       15 * time.Second,
			GracefulShutdownTimeout: 2 * time.Minute,
			OrphanDetectionInterval: time.Minute,
			OrphanThreshold:         2 * time.Minute,
			SessionIdleTimeout:      30 * time.Minute,
			TurnMaxRetries:          2,
			TurnRetryBackoff:        2 * time.Second,
		},
	}
}
