package service

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/state"
)

// StrategyService is the registry of trading strategies.
type StrategyService struct {
	store  *state.Store
	fx     effects
	logger *slog.Logger
}

// NewStrategyService creates a StrategyService with all required dependencies.
func NewStrategyService(store *state.Store, events domain.EventPublisher, audit domain.AuditSink, logger *slog.Logger) *StrategyService {
	logger = logger.With(slog.String("component", "strategy_service"))
	return &StrategyService{
		store:  store,
		fx:     effects{events: events, audit: audit, logger: logger, prefix: "strategy_service"},
		logger: logger,
	}
}

// Load installs strategies from configuration without auditing them.
func (s *StrategyService) Load(strategies []domain.Strategy) error {
	now := time.Now().UTC()
	for _, st := range strategies {
		if st.Status == "" {
			st.Status = domain.StrategyStatusInactive
		}
		if st.CreatedBy == "" {
			st.CreatedBy = domain.SystemCaller.ID
		}
		st.CreatedAt, st.UpdatedAt = now, now
		if err := s.store.InsertStrategy(st); err != nil {
			return fmt.Errorf("strategy_service: load %q: %w", st.ID, err)
		}
	}
	return nil
}

// Register adds a new strategy in INACTIVE.
func (s *StrategyService) Register(ctx context.Context, name, kind string) (domain.Strategy, error) {
	caller, err := domain.Authorize(ctx, domain.CapTrading)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: register: %w", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Strategy{}, fmt.Errorf("strategy_service: register: name is required: %w", domain.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	st := domain.Strategy{
		ID:        uuid.New().String(),
		Name:      name,
		Type:      kind,
		Status:    domain.StrategyStatusInactive,
		CreatedBy: caller.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertStrategy(st); err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: register: %w", err)
	}

	s.fx.publish(domain.EventStrategyChanged, domain.SeverityInfo, st)
	s.fx.record(ctx, domain.AuditRecord{
		Actor:        actorOf(caller),
		Action:       domain.AuditStrategyRegister,
		ResourceType: "strategy",
		ResourceID:   st.ID,
		After:        st,
	})
	return st, nil
}

// Activate moves a strategy to ACTIVE. It is refused while trading is halted.
func (s *StrategyService) Activate(ctx context.Context, id string) (domain.Strategy, error) {
	halt := s.store.Halt()
	return s.transition(ctx, id, domain.AuditStrategyActivate, func(st *domain.Strategy) error {
		if halt.Active() {
			return domain.ErrHaltActive
		}
		if st.Status == domain.StrategyStatusActive {
			return fmt.Errorf("already active: %w", domain.ErrInvalidState)
		}
		st.Status = domain.StrategyStatusActive
		return nil
	})
}

// Halt moves an ACTIVE strategy to HALTED.
func (s *StrategyService) Halt(ctx context.Context, id string) (domain.Strategy, error) {
	return s.transition(ctx, id, domain.AuditStrategyHalt, func(st *domain.Strategy) error {
		if st.Status != domain.StrategyStatusActive {
			return fmt.Errorf("strategy is %s: %w", st.Status, domain.ErrInvalidState)
		}
		st.Status = domain.StrategyStatusHalted
		return nil
	})
}

func (s *StrategyService) transition(ctx context.Context, id, action string, fn func(st *domain.Strategy) error) (domain.Strategy, error) {
	caller, err := domain.Authorize(ctx, domain.CapTrading)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: %s %q: %w", action, id, err)
	}
	before, after, err := s.store.UpdateStrategy(id, func(st *domain.Strategy) error {
		if err := fn(st); err != nil {
			return err
		}
		st.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: %s %q: %w", action, id, err)
	}

	s.fx.publish(domain.EventStrategyChanged, domain.SeverityInfo, after)
	s.fx.record(ctx, domain.AuditRecord{
		Actor:        actorOf(caller),
		Action:       action,
		ResourceType: "strategy",
		ResourceID:   id,
		Before:       before,
		After:        after,
	})
	s.logger.InfoContext(ctx, "strategy_service: status changed",
		slog.String("strategy_id", id),
		slog.String("from", string(before.Status)),
		slog.String("to", string(after.Status)),
	)
	return after, nil
}

// UpdateParameters replaces a strategy's parameters.
func (s *StrategyService) UpdateParameters(ctx context.Context, id string, params map[string]any) (domain.Strategy, error) {
	caller, err := domain.Authorize(ctx, domain.CapTrading)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: update parameters %q: %w", id, err)
	}
	if params == nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: update parameters %q: parameters are required: %w", id, domain.ErrInvalidArgument)
	}
	before, after, err := s.store.UpdateStrategy(id, func(st *domain.Strategy) error {
		st.Parameters = maps.Clone(params)
		st.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: update parameters %q: %w", id, err)
	}

	s.fx.publish(domain.EventStrategyParams, domain.SeverityInfo, map[string]any{
		"strategy_id": id,
		"name":        after.Name,
		"parameters":  after.Parameters,
	})
	s.fx.record(ctx, domain.AuditRecord{
		Actor:        actorOf(caller),
		Action:       domain.AuditStrategyParams,
		ResourceType: "strategy",
		ResourceID:   id,
		Before:       map[string]any{"parameters": before.Parameters},
		After:        map[string]any{"parameters": after.Parameters},
	})
	s.logger.InfoContext(ctx, "strategy_service: parameters updated",
		slog.String("strategy_id", id),
		slog.Int("keys", len(after.Parameters)),
	)
	return after, nil
}

// GetStrategy returns one strategy.
func (s *StrategyService) GetStrategy(ctx context.Context, id string) (domain.Strategy, error) {
	if _, err := domain.Authorize(ctx, domain.CapReadOnly); err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: get %q: %w", id, err)
	}
	st, err := s.store.Strategy(id)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: get %q: %w", id, err)
	}
	return st, nil
}

// ListStrategies returns every strategy sorted by name.
func (s *StrategyService) ListStrategies(ctx context.Context) ([]domain.Strategy, error) {
	if _, err := domain.Authorize(ctx, domain.CapReadOnly); err != nil {
		return nil, fmt.Errorf("strategy_service: list: %w", err)
	}
	return s.store.Strategies(), nil
}
