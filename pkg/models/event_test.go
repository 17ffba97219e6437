package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitEventType(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantCat  EventCategory
		wantName string
		wantOK   bool
	}{
		{"turn event", "turn.completed", CategoryTurn, "completed", true},
		{"tool event", "tool.executed", CategoryTool, "executed", true},
		{"supersede event", "supersede.decision", CategorySupersede, "decision", true},
		{"commit event", "commit.reached", CategoryCommit, "reached", true},
		{"enforcement event", "enforcement.oversized", CategoryEnforcement, "oversized", true},
		{"session event", "session.relocalized", CategorySession, "relocalized", true},
		{"mutex event", "mutex.acquired", CategoryMutex, "acquired", true},
		{"nested name keeps the remainder", "turn.retry.exhausted", CategoryTurn, "retry.exhausted", true},
		{"no dot", "turncompleted", "", "", false},
		{"empty", "", "", "", false},
		{"leading dot", ".completed", "", "", false},
		{"trailing dot", "turn.", "", "", false},
		{"unknown category", "billing.charged", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, name, ok := SplitEventType(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantCat, cat)
			assert.Equal(t, tt.wantName, name)
		})
	}
}

func TestEvent_Category(t *testing.T) {
	assert.Equal(t, CategoryTurn, (&Event{Type: "turn.started"}).Category())
	assert.Equal(t, EventCategory(""), (&Event{Type: "garbage"}).Category())
}

func TestValidEventCategory(t *testing.T) {
	for _, c := range []EventCategory{
		CategoryTurn, CategoryTool, CategorySupersede, CategoryCommit,
		CategoryEnforcement, CategorySession, CategoryMutex,
	} {
		assert.True(t, ValidEventCategory(c), string(c))
	}
	assert.False(t, ValidEventCategory("billing"))
	assert.False(t, ValidEventCategory(""))
}
