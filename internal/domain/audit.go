package domain

import (
	"context"
	"time"
)

// AuditRecord is one logical state change.
type AuditRecord struct {
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Before       any       `json:"before,omitempty"`
	After        any       `json:"after,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AuditSink accepts audit records. Implementations must be safe for
// concurrent use.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// Audit actions.
const (
	AuditOrderSubmit       = "ORDER_SUBMIT"
	AuditOrderOpen         = "ORDER_OPEN"
	AuditOrderReject       = "ORDER_REJECT"
	AuditOrderFill         = "ORDER_FILL"
	AuditOrderCancel       = "ORDER_CANCEL"
	AuditOrderCancelAll    = "ORDER_CANCEL_ALL"
	AuditMandateStatus     = "MANDATE_STATUS_CHANGE"
	AuditMandateValue      = "MANDATE_VALUE_OVERRIDE"
	AuditAlertAcknowledge  = "ALERT_ACKNOWLEDGE"
	AuditStrategyRegister  = "STRATEGY_REGISTER"
	AuditStrategyActivate  = "STRATEGY_ACTIVATE"
	AuditStrategyHalt      = "STRATEGY_HALT"
	AuditStrategyParams    = "STRATEGY_PARAM_UPDATE"
	AuditKillSwitchExecute = "KILL_SWITCH_EXECUTE"
	AuditHaltReset         = "HALT_RESET"
)
