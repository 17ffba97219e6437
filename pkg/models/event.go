package models

import (
	"strings"
	"time"
)

// EventCategory is the prefix of an event type ("{category}.{name}").
type EventCategory string

// Event categories.
const (
	CategoryTurn        EventCategory = "turn"
	CategoryTool        EventCategory = "tool"
	CategorySupersede   EventCategory = "supersede"
	CategoryCommit      EventCategory = "commit"
	CategoryEnforcement EventCategory = "enforcement"
	CategorySession     EventCategory = "session"
	CategoryMutex       EventCategory = "mutex"
)

// ValidEventCategory reports whether c is a known category.
func ValidEventCategory(c EventCategory) bool {
	switch c {
	case CategoryTurn, CategoryTool, CategorySupersede, CategoryCommit,
		CategoryEnforcement, CategorySession, CategoryMutex:
		return true
	}
	return false
}

// Event is the fabric event record fanned out to audit, live streams,
// metrics and webhooks. Type follows the "{category}.{name}" grammar.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	LogicalTurnID  string         `json:"logical_turn_id,omitempty"`
	SessionKey     SessionKey     `json:"session_key,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	TenantID       string         `json:"tenant_id,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	InterlocutorID string         `json:"interlocutor_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// Category returns the category segment of the event type, or "" when the
// type does not match the grammar.
func (e *Event) Category() EventCategory {
	cat, _, ok := SplitEventType(e.Type)
	if !ok {
		return ""
	}
	return cat
}

// SplitEventType splits "{category}.{name}" and validates the category.
func SplitEventType(eventType string) (EventCategory, string, bool) {
	i := strings.IndexByte(eventType, '.')
	if i <= 0 || i == len(eventType)-1 {
		return "", "", false
	}
	cat := EventCategory(eventType[:i])
	if !ValidEventCategory(cat) {
		return "", "", false
	}
	return cat, eventType[i+1:], true
}
