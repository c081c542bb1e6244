package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MandateStatus is the evaluated state of a risk mandate.
type MandateStatus string

const (
	MandateStatusOK      MandateStatus = "OK"
	MandateStatusWarning MandateStatus = "WARNING"
	MandateStatusBreach  MandateStatus = "BREACH"
)

// Constraint types with built-in value aggregation. Any other constraint
// type is fed externally through the monitor's UpdateValue.
const (
	ConstraintGrossExposure = "GROSS_EXPOSURE"
	ConstraintNetExposure   = "NET_EXPOSURE"
)

// Mandate is a named risk constraint with soft and hard thresholds.
type Mandate struct {
	ID             string           `json:"id"`
	Code           string           `json:"code"`
	Description    string           `json:"description,omitempty"`
	ConstraintType string           `json:"constraint_type"`
	SoftLimit      *decimal.Decimal `json:"soft_limit,omitempty"`
	HardLimit      *decimal.Decimal `json:"hard_limit,omitempty"`
	CurrentValue   decimal.Decimal  `json:"current_value"`
	Status         MandateStatus    `json:"status"`
	Active         bool             `json:"active"`
	EvaluatedAt    time.Time        `json:"evaluated_at"`
}

// Clone returns a copy that shares no pointers with m.
func (m Mandate) Clone() Mandate {
	if m.SoftLimit != nil {
		v := *m.SoftLimit
		m.SoftLimit = &v
	}
	if m.HardLimit != nil {
		v := *m.HardLimit
		m.HardLimit = &v
	}
	return m
}
