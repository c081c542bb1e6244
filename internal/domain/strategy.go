package domain

import (
	"maps"
	"time"
)

// StrategyStatus tracks whether a strategy may trade.
type StrategyStatus string

const (
	StrategyStatusInactive StrategyStatus = "INACTIVE"
	StrategyStatusActive   StrategyStatus = "ACTIVE"
	StrategyStatusHalted   StrategyStatus = "HALTED"
)

// Strategy is a registered trading strategy. Parameters are opaque to the
// control plane and replaced as a whole on update.
type Strategy struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Status     StrategyStatus `json:"status"`
	Parameters map[string]any `json:"parameters,omitempty"`
	CreatedBy  string         `json:"created_by"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Clone returns a copy that shares no parameter map with s.
func (s Strategy) Clone() Strategy {
	s.Parameters = maps.Clone(s.Parameters)
	return s
}
