package models

import "time"

// InterlocutorType tags the kind of entity a session converses with.
type InterlocutorType string

// Interlocutor type values.
const (
	InterlocutorHuman  InterlocutorType = "human"
	InterlocutorAgent  InterlocutorType = "agent"
	InterlocutorSystem InterlocutorType = "system"
	InterlocutorBot    InterlocutorType = "bot"
)

// ChannelIdentity is one (channel, channel_user_id) pair owned by an
// interlocutor. Unique per (tenant, agent, channel, channel_user_id).
type ChannelIdentity struct {
	Channel       string    `json:"channel"`
	ChannelUserID string    `json:"channel_user_id"`
	LinkedAt      time.Time `json:"linked_at"`
}

// Interlocutor is the typed entity behind one or more channel identities.
type Interlocutor struct {
	ID       string           `json:"id"`
	TenantID string           `json:"tenant_id"`
	AgentID  string           `json:"agent_id"`
	Type     InterlocutorType `json:"type"`

	// Normalized contact handles used for cross-channel auto-linking.
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`

	Identities []ChannelIdentity `json:"identities,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
