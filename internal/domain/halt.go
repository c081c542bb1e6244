package domain

import "time"

// SystemStatus is the process-wide trading posture.
type SystemStatus string

const (
	SystemStatusNormal    SystemStatus = "NORMAL"
	SystemStatusEmergency SystemStatus = "EMERGENCY"
)

// HaltState is a snapshot of the global trading halt.
type HaltState struct {
	Halted       bool         `json:"halted"`
	SystemStatus SystemStatus `json:"system_status"`
	Reason       string       `json:"reason,omitempty"`
	HaltedBy     string       `json:"halted_by,omitempty"`
	HaltedAt     *time.Time   `json:"halted_at,omitempty"`
}

// Normal returns the state of a system that is not halted.
func Normal() HaltState {
	return HaltState{SystemStatus: SystemStatusNormal}
}
