package models

import (
	"fmt"
	"strings"
)

// SessionKeyPrefix is the literal prefix of every session key.
const SessionKeyPrefix = "sess"

// SessionKey identifies the serialization unit for turns:
// sess:{tenant}:{agent}:{interlocutor}:{channel}.
type SessionKey string

// NewSessionKey derives the session key for the given scope.
func NewSessionKey(tenantID, agentID, interlocutorID, channel string) SessionKey {
	return SessionKey(fmt.Sprintf("%s:%s:%s:%s:%s",
		SessionKeyPrefix,
		strings.ToLower(tenantID),
		strings.ToLower(agentID),
		strings.ToLower(interlocutorID),
		strings.ToLower(channel)))
}

// Parts splits the key into (tenant, agent, interlocutor, channel).
// Returns an error if the key does not have the expected shape.
func (k SessionKey) Parts() (tenantID, agentID, interlocutorID, channel string, err error) {
	parts := strings.Split(string(k), ":")
	if len(parts) != 5 || parts[0] != SessionKeyPrefix {
		return "", "", "", "", fmt.Errorf("malformed session key %q", string(k))
	}
	for i := 1; i < 5; i++ {
		if parts[i] == "" {
			return "", "", "", "", fmt.Errorf("malformed session key %q: empty segment %d", string(k), i)
		}
	}
	return parts[1], parts[2], parts[3], parts[4], nil
}

// TenantID returns the tenant segment, or "" for a malformed key.
func (k SessionKey) TenantID() string {
	tenant, _, _, _, err := k.Parts()
	if err != nil {
		return ""
	}
	return tenant
}

// String implements fmt.Stringer.
func (k SessionKey) String() string { return string(k) }
