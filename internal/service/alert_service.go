package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/metrics"
	"github.com/alanyoungcy/controlplane/internal/state"
)

// AlertService records alerts and handles acknowledgement.
type AlertService struct {
	store    *state.Store
	mirror   domain.AlertStore
	notifier Notifier
	metrics  *metrics.Metrics
	fx       effects
	logger   *slog.Logger
}

// NewAlertService creates an AlertService. mirror and notifier are optional.
func NewAlertService(
	store *state.Store,
	events domain.EventPublisher,
	audit domain.AuditSink,
	m *metrics.Metrics,
	logger *slog.Logger,
) *AlertService {
	logger = logger.With(slog.String("component", "alert_service"))
	return &AlertService{
		store:   store,
		metrics: m,
		fx:      effects{events: events, audit: audit, logger: logger, prefix: "alert_service"},
		logger:  logger,
	}
}

// WithMirror persists every alert and acknowledgement to store.
func (s *AlertService) WithMirror(store domain.AlertStore) *AlertService {
	s.mirror = store
	return s
}

// WithNotifier forwards CRITICAL alerts to operators.
func (s *AlertService) WithNotifier(n Notifier) *AlertService {
	s.notifier = n
	return s
}

// Raise appends a new alert. It does not publish an event; callers publish
// the event that carries the alert so each transition broadcasts once.
func (s *AlertService) Raise(ctx context.Context, a domain.Alert) domain.Alert {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := s.store.AppendAlert(a); err != nil {
		s.logger.ErrorContext(ctx, "alert_service: append alert failed",
			slog.String("alert_id", a.ID),
			slog.String("error", err.Error()),
		)
		return a
	}
	s.metrics.AlertRaised(string(a.Severity))

	if s.mirror != nil {
		if err := s.mirror.Insert(ctx, a); err != nil {
			s.logger.WarnContext(ctx, "alert_service: mirror insert failed",
				slog.String("alert_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if a.Severity == domain.SeverityCritical {
		notifyAsync(ctx, s.notifier, s.logger, "alert_critical", "CRITICAL: "+a.Message, alertBody(a))
	}

	s.logger.WarnContext(ctx, "alert_service: alert raised",
		slog.String("alert_id", a.ID),
		slog.String("severity", string(a.Severity)),
		slog.String("message", a.Message),
	)
	return a
}

func alertBody(a domain.Alert) string {
	body := a.Message
	for _, k := range []string{"mandate_code", "current_value", "limit", "reason", "executed_by"} {
		if v, ok := a.Details[k]; ok {
			body += fmt.Sprintf("\n%s: %v", k, v)
		}
	}
	return body
}

// Acknowledge marks an alert as seen by the caller. Acknowledging twice is
// an invalid transition.
func (s *AlertService) Acknowledge(ctx context.Context, id string) (domain.Alert, error) {
	caller, err := domain.Authorize(ctx, domain.CapTrading)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("alert_service: acknowledge %q: %w", id, err)
	}

	now := time.Now().UTC()
	before, after, err := s.store.UpdateAlert(id, func(a *domain.Alert) error {
		if a.Acknowledged {
			return fmt.Errorf("already acknowledged by %s: %w", a.AcknowledgedBy, domain.ErrInvalidState)
		}
		a.Acknowledged = true
		a.AcknowledgedBy = caller.ID
		a.AcknowledgedAt = &now
		return nil
	})
	if err != nil {
		return domain.Alert{}, fmt.Errorf("alert_service: acknowledge %q: %w", id, err)
	}

	if s.mirror != nil {
		if err := s.mirror.Acknowledge(ctx, id, caller.ID, now); err != nil {
			s.logger.WarnContext(ctx, "alert_service: mirror acknowledge failed",
				slog.String("alert_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	s.fx.publish(domain.EventAlertAcked, domain.SeverityInfo, after)
	s.fx.record(ctx, domain.AuditRecord{
		Actor:        actorOf(caller),
		Action:       domain.AuditAlertAcknowledge,
		ResourceType: "alert",
		ResourceID:   id,
		Before:       before,
		After:        after,
	})
	return after, nil
}

// ListAlerts returns up to limit alerts, newest first.
func (s *AlertService) ListAlerts(ctx context.Context, unackedOnly bool, limit int) ([]domain.Alert, error) {
	if _, err := domain.Authorize(ctx, domain.CapReadOnly); err != nil {
		return nil, fmt.Errorf("alert_service: list: %w", err)
	}
	var keep func(domain.Alert) bool
	if unackedOnly {
		keep = func(a domain.Alert) bool { return !a.Acknowledged }
	}
	return s.store.Alerts(keep, limit), nil
}
