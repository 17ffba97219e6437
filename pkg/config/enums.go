package config

import "fmt"

// ConcurrencyStrategy controls how a new inbound message interacts with a
// turn already running on the same session key.
type ConcurrencyStrategy string

// Concurrency strategy values.
const (
	// StrategyGroupRoundRobin queues the new message behind the running turn.
	StrategyGroupRoundRobin ConcurrencyStrategy = "GROUP_ROUND_ROBIN"
	// StrategyCancelInProgress cancels the running turn when its commit point
	// has not been reached, then starts a fresh turn with all messages.
	StrategyCancelInProgress ConcurrencyStrategy = "CANCEL_IN_PROGRESS"
)

// ParseConcurrencyStrategy validates and returns the strategy.
func ParseConcurrencyStrategy(s string) (ConcurrencyStrategy, error) {
	switch ConcurrencyStrategy(s) {
	case StrategyGroupRoundRobin, StrategyCancelInProgress:
		return ConcurrencyStrategy(s), nil
	case "":
		return StrategyGroupRoundRobin, nil
	}
	return "", fmt.Errorf("unknown concurrency strategy %q", s)
}
