package events

import (
	"strings"

	"github.com/ruche-ai/ruche/pkg/models"
)

// MatchPattern reports whether an event type matches a subscription pattern.
// Three forms are accepted: "*" (everything), "{category}.*" (one category),
// and an exact "{category}.{name}" type.
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if cat, ok := strings.CutSuffix(pattern, ".*"); ok {
		evCat, _, valid := models.SplitEventType(eventType)
		return valid && string(evCat) == cat
	}
	return pattern == eventType
}

// MatchAny reports whether the event type matches at least one pattern.
func MatchAny(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if MatchPattern(p, eventType) {
			return true
		}
	}
	return false
}

// ValidPattern reports whether a subscription pattern is well formed.
func ValidPattern(pattern string) bool {
	if pattern == "*" {
		return true
	}
	if cat, ok := strings.CutSuffix(pattern, ".*"); ok {
		return models.ValidEventCategory(models.EventCategory(cat))
	}
	_, _, ok := models.SplitEventType(pattern)
	return ok
}
