package config

import "time"

// WebhookConfig controls signed webhook delivery and subscription health.
type WebhookConfig struct {
	// DeliveryWorkers is the number of delivery goroutines per replica.
	DeliveryWorkers int `yaml:"delivery_workers"`

	// PollInterval is how often the delivery pool checks for due deliveries.
	PollInterval time.Duration `yaml:"poll_interval"`

	// DefaultTimeoutMs is the per-request timeout when a subscription does
	// not set its own.
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`

	// Retry schedule: InitialBackoff * BackoffFactor^n, capped at MaxBackoff,
	// at most MaxRetries attempts after the first.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxRetries     int           `yaml:"max_retries"`

	// FailureThreshold is the consecutive-failure count at which a
	// subscription is auto-disabled.
	FailureThreshold int `yaml:"failure_threshold"`

	// RequireHTTPS rejects plain-http subscription URLs. On by default;
	// turned off in tests and local development. Pointer so an explicit
	// false in YAML survives the merge over defaults.
	RequireHTTPS *bool `yaml:"require_https,omitempty"`

	// ReplayTolerance is the signature timestamp window receivers verify.
	ReplayTolerance time.Duration `yaml:"replay_tolerance"`

	// ChallengeTimeout bounds the subscription challenge-response roundtrip.
	ChallengeTimeout time.Duration `yaml:"challenge_timeout"`
}

// DefaultWebhookConfig returns the built-in webhook defaults.
func DefaultWebhookConfig() *WebhookConfig {
	return &WebhookConfig{
		DeliveryWorkers:  3,
		PollInterval:     time.Second,
		DefaultTimeoutMs: 10_000,
		InitialBackoff:   10 * time.Second,
		BackoffFactor:    2,
		MaxBackoff:       3600 * time.Second,
		MaxRetries:       5,
		FailureThreshold: 10,
		ReplayTolerance:  300 * time.Second,
		ChallengeTimeout: 10 * time.Second,
	}
}

// HTTPSRequired resolves the HTTPS requirement with its default.
func (w *WebhookConfig) HTTPSRequired() bool {
	if w.RequireHTTPS == nil {
		return true
	}
	return *w.RequireHTTPS
}
