package domain

import "time"

// Severity grades alerts and events.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is an append-only notification. Acknowledgement is its only
// mutation.
type Alert struct {
	ID             string         `json:"id"`
	MandateID      string         `json:"mandate_id,omitempty"`
	Severity       Severity       `json:"severity"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Clone returns a copy that shares no mutable state with a.
func (a Alert) Clone() Alert {
	if a.Details != nil {
		d := make(map[string]any, len(a.Details))
		for k, v := range a.Details {
			d[k] = v
		}
		a.Details = d
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		a.AcknowledgedAt = &t
	}
	return a
}
