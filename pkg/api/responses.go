package api

import (
	"github.com/ruche-ai/ruche/pkg/database"
	"github.com/ruche-ai/ruche/pkg/models"
)

// CreateSubscriptionRequest is the HTTP request body for POST /api/v1/webhooks.
type CreateSubscriptionRequest struct {
	TenantID      string   `json:"tenant_id"`
	URL           string   `json:"url"`
	Secret        string   `json:"secret"`
	EventPatterns []string `json:"event_patterns"`
	AgentIDs      []string `json:"agent_ids,omitempty"`
	TimeoutMs     int      `json:"timeout_ms,omitempty"`
	MaxRetries    int      `json:"max_retries,omitempty"`
}

// CancelResponse is returned by POST /api/v1/sessions/:key/cancel.
type CancelResponse struct {
	LogicalTurnID string `json:"logical_turn_id"`
	Accepted      bool   `json:"accepted"`
	Message       string `json:"message"`
}

// HistoryResponse is returned by GET /api/v1/sessions/:key/history.
type HistoryResponse struct {
	SessionKey models.SessionKey `json:"session_key"`
	Events     []*models.Event   `json:"events"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string                 `json:"status"`
	Database      *database.HealthStatus `json:"database,omitempty"`
	Configuration ConfigurationStats     `json:"configuration"`
	WSConnections int                    `json:"ws_connections"`
}

// ConfigurationStats contains counts of loaded configuration items.
type ConfigurationStats struct {
	Tenants   int `json:"tenants"`
	Scenarios int `json:"scenarios"`
}
