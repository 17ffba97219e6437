package config

import "time"

// SystemConfig groups system-wide infrastructure settings.
type SystemConfig struct {
	// AllowedWSOrigins is the WebSocket origin allowlist. Empty means
	// same-origin only.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`

	// MaxEnvelopeBytes caps the accepted ingress envelope size.
	MaxEnvelopeBytes int `yaml:"max_envelope_bytes"`

	// Idempotency windows for cached ingress results.
	IdempotencyChatWindow     time.Duration `yaml:"idempotency_chat_window"`
	IdempotencyMutationWindow time.Duration `yaml:"idempotency_mutation_window"`

	// EventMaxPayloadBytes truncates oversized event payloads before fan-out.
	EventMaxPayloadBytes int `yaml:"event_max_payload_bytes"`

	// TenantEmitRatePerSec caps per-tenant event emission; excess events are
	// dropped below ERROR severity and counted on the router.drop metric.
	TenantEmitRatePerSec int `yaml:"tenant_emit_rate_per_sec"`
}

// DefaultSystemConfig returns the built-in system defaults.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		MaxEnvelopeBytes:          256 * 1024,
		IdempotencyChatWindow:     5 * time.Minute,
		IdempotencyMutationWindow: time.Minute,
		EventMaxPayloadBytes:      64 * 1024,
		TenantEmitRatePerSec:      200,
	}
}
