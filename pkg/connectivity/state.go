// Package connectivity tracks whether the upstream network is reachable.
// The state is kept in Redis so every proxy instance, and a restarted one,
// agrees on it. It is fed by explicit signals from the host application and
// by the outcome of network calls.
package connectivity

import (
	"time"
)

// Redis keys for connectivity state storage.
const (
	RedisKeyOnline     = "sw:connectivity:online"
	RedisKeyFailures   = "sw:connectivity:failures"
	RedisKeyLastChange = "sw:connectivity:last_change"
)

// DefaultOfflineThreshold is the number of consecutive transport failures
// after which the network is considered offline.
const DefaultOfflineThreshold = 3

// State is the current connectivity state.
type State struct {
	// Online is false once an offline signal was received or
	// ConsecutiveFailures reached the threshold.
	Online bool `json:"online"`

	// ConsecutiveFailures counts transport failures since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastChange is when Online last flipped.
	LastChange time.Time `json:"last_change"`
}

// Since returns how long the current state has held.
func (s *State) Since() time.Duration {
	if s.LastChange.IsZero() {
		return 0
	}
	return time.Since(s.LastChange)
}

// ReachedThreshold reports whether the failure count warrants going offline.
func (s *State) ReachedThreshold(threshold int) bool {
	return s.ConsecutiveFailures >= threshold
}
