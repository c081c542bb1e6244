package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/metrics"
	"github.com/alanyoungcy/controlplane/internal/state"
)

const (
	defaultMonitorTick    = 250 * time.Millisecond
	defaultMonitorRefresh = 5 * time.Second
)

// MonitorConfig controls how often mandates are re-evaluated.
type MonitorConfig struct {
	// Tick is the coalescing window. Triggers arriving within one tick
	// produce at most one pass.
	Tick time.Duration
	// Refresh forces a pass even without triggers.
	Refresh time.Duration
}

// AlertDescriptor describes the alert a status transition warrants.
type AlertDescriptor struct {
	MandateID   string               `json:"mandate_id"`
	MandateCode string               `json:"mandate_code"`
	Severity    domain.Severity      `json:"severity"`
	Status      domain.MandateStatus `json:"status"`
	LimitKind   string               `json:"limit_kind"`
	Limit       decimal.Decimal      `json:"limit"`
	Value       decimal.Decimal      `json:"current_value"`
	Message     string               `json:"message"`
}

// Evaluation is the result of Evaluate.
type Evaluation struct {
	Status  domain.MandateStatus
	Changed bool
	Alert   *AlertDescriptor
}

// Evaluate derives a mandate's status from value. A limit counts as breached
// when |value| >= |limit|; the hard limit takes priority. An alert is
// returned only when the status differs from the mandate's current status
// and the new status is not OK.
func Evaluate(m domain.Mandate, value decimal.Decimal) Evaluation {
	abs := value.Abs()
	status := domain.MandateStatusOK
	var limit decimal.Decimal
	var kind string

	switch {
	case m.HardLimit != nil && abs.GreaterThanOrEqual(m.HardLimit.Abs()):
		status, limit, kind = domain.MandateStatusBreach, *m.HardLimit, "hard"
	case m.SoftLimit != nil && abs.GreaterThanOrEqual(m.SoftLimit.Abs()):
		status, limit, kind = domain.MandateStatusWarning, *m.SoftLimit, "soft"
	}

	prev := m.Status
	if prev == "" {
		prev = domain.MandateStatusOK
	}
	ev := Evaluation{Status: status, Changed: status != m.Status}
	if status == prev || status == domain.MandateStatusOK {
		return ev
	}

	sev := domain.SeverityWarning
	if status == domain.MandateStatusBreach {
		sev = domain.SeverityCritical
	}
	ev.Alert = &AlertDescriptor{
		MandateID:   m.ID,
		MandateCode: m.Code,
		Severity:    sev,
		Status:      status,
		LimitKind:   kind,
		Limit:       limit,
		Value:       value,
		Message:     fmt.Sprintf("Mandate %s %s: %s (%s limit %s)", m.Code, status, value, kind, limit),
	}
	return ev
}

var errUnchanged = errors.New("unchanged")

// MandateMonitor re-evaluates mandates on a timer and on demand.
type MandateMonitor struct {
	store     *state.Store
	positions *PositionService
	alerts    *AlertService
	mirror    domain.MandateStore
	metrics   *metrics.Metrics
	cfg       MonitorConfig
	fx        effects
	logger    *slog.Logger

	dirty   atomic.Bool
	trigger chan struct{}
	now     func() time.Time
}

// NewMandateMonitor creates a MandateMonitor with all required dependencies.
func NewMandateMonitor(
	store *state.Store,
	positions *PositionService,
	alerts *AlertService,
	events domain.EventPublisher,
	audit domain.AuditSink,
	m *metrics.Metrics,
	cfg MonitorConfig,
	logger *slog.Logger,
) *MandateMonitor {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultMonitorTick
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = defaultMonitorRefresh
	}
	logger = logger.With(slog.String("component", "mandate_monitor"))
	return &MandateMonitor{
		store:     store,
		positions: positions,
		alerts:    alerts,
		metrics:   m,
		cfg:       cfg,
		fx:        effects{events: events, audit: audit, logger: logger, prefix: "mandate_monitor"},
		logger:    logger,
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
	}
}

// WithMirror writes every status change through to store.
func (mm *MandateMonitor) WithMirror(store domain.MandateStore) *MandateMonitor {
	mm.mirror = store
	return mm
}

// Load installs mandate definitions. Statuses start at OK unless set.
func (mm *MandateMonitor) Load(mandates []domain.Mandate) {
	for _, m := range mandates {
		if m.Status == "" {
			m.Status = domain.MandateStatusOK
		}
		mm.store.PutMandate(m)
	}
}

// Notify requests a re-evaluation. It never blocks; bursts are coalesced
// into the next tick.
func (mm *MandateMonitor) Notify() {
	mm.dirty.Store(true)
	select {
	case mm.trigger <- struct{}{}:
	default:
	}
}

// Run evaluates mandates until ctx is cancelled. Each tick runs at most one
// pass: when a trigger arrived since the last pass, or when the refresh
// interval has elapsed.
func (mm *MandateMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(mm.cfg.Tick)
	defer ticker.Stop()

	mm.logger.InfoContext(ctx, "mandate_monitor: started",
		slog.Duration("tick", mm.cfg.Tick),
		slog.Duration("refresh", mm.cfg.Refresh),
	)

	last := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-mm.trigger:
			// Coalesced into the next tick.
		case now := <-ticker.C:
			if !mm.dirty.Swap(false) && now.Sub(last) < mm.cfg.Refresh {
				continue
			}
			last = now
			mm.Pass(ctx)
		}
	}
}

// Pass evaluates every active mandate once. Exposure mandates take the
// value aggregated from positions; every other mandate is evaluated against
// the value it holds at the moment its lock is taken.
func (mm *MandateMonitor) Pass(ctx context.Context) {
	mm.metrics.MandatePass()

	var exp *Exposure
	for _, m := range mm.store.Mandates() {
		if !m.Active {
			continue
		}
		valueOf := currentValue
		if isExposure(m.ConstraintType) {
			if exp == nil {
				e, err := mm.positions.Exposure(ctx)
				if err != nil {
					mm.logger.WarnContext(ctx, "mandate_monitor: exposure aggregation failed",
						slog.String("error", err.Error()),
					)
					continue
				}
				exp = &e
			}
			value := exp.Gross
			if m.ConstraintType == domain.ConstraintNetExposure {
				value = exp.Net
			}
			valueOf = func(domain.Mandate) decimal.Decimal { return value }
		}
		if err := mm.apply(ctx, m.ID, valueOf); err != nil {
			mm.logger.WarnContext(ctx, "mandate_monitor: evaluate failed",
				slog.String("mandate_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func currentValue(m domain.Mandate) decimal.Decimal { return m.CurrentValue }

func isExposure(t string) bool {
	return t == domain.ConstraintGrossExposure || t == domain.ConstraintNetExposure
}

// apply evaluates one mandate against valueOf, which runs under the
// mandate's lock so a value committed by UpdateValue is never overwritten
// with a stale copy.
func (mm *MandateMonitor) apply(ctx context.Context, id string, valueOf func(domain.Mandate) decimal.Decimal) error {
	var ev Evaluation
	now := mm.now().UTC()
	before, after, err := mm.store.UpdateMandate(id, func(m *domain.Mandate) error {
		value := valueOf(*m)
		ev = Evaluate(*m, value)
		if !ev.Changed && m.CurrentValue.Equal(value) {
			return errUnchanged
		}
		m.CurrentValue = value
		m.Status = ev.Status
		m.EvaluatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	if !ev.Changed {
		return nil
	}
	mm.fx.record(ctx, domain.AuditRecord{
		Actor:        domain.SystemCaller.ID,
		Action:       domain.AuditMandateStatus,
		ResourceType: "mandate",
		ResourceID:   id,
		Before:       mandateAuditState(before),
		After:        mandateAuditState(after),
	})
	mm.statusChanged(ctx, before, after, ev, now)
	return nil
}

// statusChanged mirrors, logs and alerts on a committed status transition.
func (mm *MandateMonitor) statusChanged(ctx context.Context, before, after domain.Mandate, ev Evaluation, now time.Time) {
	if mm.mirror != nil {
		if err := mm.mirror.SaveStatus(ctx, after.ID, after.Status, after.CurrentValue.String(), now); err != nil {
			mm.logger.WarnContext(ctx, "mandate_monitor: mirror status failed",
				slog.String("mandate_id", after.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	mm.logger.InfoContext(ctx, "mandate_monitor: status changed",
		slog.String("mandate", after.Code),
		slog.String("from", string(before.Status)),
		slog.String("to", string(after.Status)),
		slog.String("value", after.CurrentValue.String()),
	)

	if ev.Alert == nil {
		return
	}
	alert := mm.alerts.Raise(ctx, domain.Alert{
		MandateID: after.ID,
		Severity:  ev.Alert.Severity,
		Message:   ev.Alert.Message,
		Details: map[string]any{
			"mandate_id":    ev.Alert.MandateID,
			"mandate_code":  ev.Alert.MandateCode,
			"status":        ev.Alert.Status,
			"limit_kind":    ev.Alert.LimitKind,
			"limit":         ev.Alert.Limit.String(),
			"current_value": ev.Alert.Value.String(),
		},
		CreatedAt: now,
	})
	mm.fx.publish(domain.EventMandateAlert, alert.Severity, alert)
}

func mandateAuditState(m domain.Mandate) map[string]any {
	return map[string]any{"status": m.Status, "current_value": m.CurrentValue}
}

// UpdateValue records an externally computed value for a mandate. The value
// is evaluated at once unless the mandate was already evaluated within the
// current tick; then it is stored and left for the next pass, so a value
// flapping around a limit alerts at most once per tick. Exposure mandates
// are computed internally and reject overrides.
func (mm *MandateMonitor) UpdateValue(ctx context.Context, id string, value decimal.Decimal) (domain.Mandate, error) {
	caller, err := domain.Authorize(ctx, domain.CapMandateOverride)
	if err != nil {
		return domain.Mandate{}, fmt.Errorf("mandate_monitor: update value %q: %w", id, err)
	}

	var (
		ev       Evaluation
		deferred bool
	)
	now := mm.now().UTC()
	before, after, err := mm.store.UpdateMandate(id, func(m *domain.Mandate) error {
		if isExposure(m.ConstraintType) {
			return fmt.Errorf("%s value is computed: %w", m.ConstraintType, domain.ErrInvalidArgument)
		}
		m.CurrentValue = value
		if !m.EvaluatedAt.IsZero() && now.Sub(m.EvaluatedAt) < mm.cfg.Tick {
			deferred = true
			return nil
		}
		ev = Evaluate(*m, value)
		m.Status = ev.Status
		m.EvaluatedAt = now
		return nil
	})
	if err != nil {
		return domain.Mandate{}, fmt.Errorf("mandate_monitor: update value %q: %w", id, err)
	}

	mm.fx.record(ctx, domain.AuditRecord{
		Actor:        actorOf(caller),
		Action:       domain.AuditMandateValue,
		ResourceType: "mandate",
		ResourceID:   id,
		Before:       mandateAuditState(before),
		After:        mandateAuditState(after),
	})
	if deferred {
		mm.Notify()
		return after, nil
	}
	if ev.Changed {
		mm.statusChanged(ctx, before, after, ev, now)
	}
	return after, nil
}

// ListMandates returns every mandate sorted by code.
func (mm *MandateMonitor) ListMandates(ctx context.Context) ([]domain.Mandate, error) {
	if _, err := domain.Authorize(ctx, domain.CapReadOnly); err != nil {
		return nil, fmt.Errorf("mandate_monitor: list: %w", err)
	}
	return mm.store.Mandates(), nil
}
