package domain

import (
	"context"
	"slices"
)

// Capability is a permission the caller carries.
type Capability string

const (
	CapTrading         Capability = "trading"
	CapMandateOverride Capability = "mandate_override"
	CapKillSwitch      Capability = "kill_switch"
	CapReadOnly        Capability = "read_only"
)

// Role is a coarse grouping of capabilities.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleQuant  Role = "QUANT"
	RoleViewer Role = "VIEWER"
)

// CapabilitiesFor returns the capability set granted to role. Unknown roles
// get nothing.
func CapabilitiesFor(role Role) []Capability {
	switch role {
	case RoleAdmin:
		return []Capability{CapTrading, CapMandateOverride, CapKillSwitch, CapReadOnly}
	case RoleQuant:
		return []Capability{CapTrading, CapReadOnly}
	case RoleViewer:
		return []Capability{CapReadOnly}
	}
	return nil
}

// Caller identifies who is invoking an operation.
type Caller struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Role         Role         `json:"role"`
	Capabilities []Capability `json:"capabilities"`
}

// Can reports whether the caller holds c.
func (c Caller) Can(cap Capability) bool {
	return slices.Contains(c.Capabilities, cap)
}

// SystemCaller is the identity used by internal workers.
var SystemCaller = Caller{
	ID:           "system",
	Name:         "system",
	Role:         RoleAdmin,
	Capabilities: CapabilitiesFor(RoleAdmin),
}

type callerKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom extracts the caller from ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Authorize returns the caller in ctx if it holds cap, or ErrForbidden.
func Authorize(ctx context.Context, cap Capability) (Caller, error) {
	c, ok := CallerFrom(ctx)
	if !ok || !c.Can(cap) {
		return Caller{}, ErrForbidden
	}
	return c, nil
}
