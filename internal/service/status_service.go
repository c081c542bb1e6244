package service

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/state"
)

// RiskSummary is the control plane's at-a-glance state.
type RiskSummary struct {
	Halt             domain.HaltState `json:"halt"`
	OpenOrders       int              `json:"open_orders"`
	OpenPositions    int              `json:"open_positions"`
	ActiveStrategies int              `json:"active_strategies"`
	MandatesOK       int              `json:"mandates_ok"`
	MandatesWarning  int              `json:"mandates_warning"`
	MandatesBreach   int              `json:"mandates_breach"`
	UnackedAlerts    int              `json:"unacknowledged_alerts"`
	Exposure         *Exposure        `json:"exposure,omitempty"`
}

// StatusService summarises current risk state.
type StatusService struct {
	store     *state.Store
	positions *PositionService
}

// NewStatusService creates a StatusService.
func NewStatusService(store *state.Store, positions *PositionService) *StatusService {
	return &StatusService{store: store, positions: positions}
}

// Summary counts live entities and mandate states. Exposure is omitted when
// prices are unavailable.
func (s *StatusService) Summary(ctx context.Context) (RiskSummary, error) {
	if _, err := domain.Authorize(ctx, domain.CapReadOnly); err != nil {
		return RiskSummary{}, fmt.Errorf("status_service: summary: %w", err)
	}
	snap := s.store.Snapshot(0)

	c := countLive(snap.Orders, snap.Positions, snap.Strategies)
	sum := RiskSummary{
		Halt:             snap.Halt,
		OpenOrders:       c.OpenOrders,
		OpenPositions:    c.OpenPositions,
		ActiveStrategies: c.ActiveStrategies,
	}
	for _, m := range snap.Mandates {
		switch m.Status {
		case domain.MandateStatusBreach:
			sum.MandatesBreach++
		case domain.MandateStatusWarning:
			sum.MandatesWarning++
		default:
			sum.MandatesOK++
		}
	}
	for _, a := range snap.Alerts {
		if !a.Acknowledged {
			sum.UnackedAlerts++
		}
	}
	if s.positions != nil {
		if exp, err := s.positions.Exposure(ctx); err == nil {
			sum.Exposure = &exp
		}
	}
	return sum, nil
}
