package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/metrics"
	"github.com/alanyoungcy/controlplane/internal/state"
)

const (
	killSwitchLockKey    = "kill_switch"
	defaultSignalChannel = "system_alerts"
	defaultFollowRetry   = time.Second
	maxFollowRetry       = 30 * time.Second
)

// KillSwitchRequest is the operator's instruction.
type KillSwitchRequest struct {
	Reason  string `json:"reason"`
	Confirm bool   `json:"confirm"`
	DryRun  bool   `json:"dry_run"`
}

// KillSwitchCounts counts the entities the kill switch acts on.
type KillSwitchCounts struct {
	OpenOrders       int `json:"open_orders"`
	OpenPositions    int `json:"open_positions"`
	ActiveStrategies int `json:"active_strategies"`
}

// KillSwitchResult reports what an execution did, or would do for a dry run.
type KillSwitchResult struct {
	DryRun             bool             `json:"dry_run"`
	Before             KillSwitchCounts `json:"before"`
	After              KillSwitchCounts `json:"after"`
	OrdersCancelled    int              `json:"orders_cancelled"`
	PositionsFlattened int              `json:"positions_flattened"`
	StrategiesHalted   int              `json:"strategies_halted"`
	ExecutedBy         string           `json:"executed_by"`
	Reason             string           `json:"reason"`
	ExecutedAt         time.Time        `json:"executed_at"`
	Halt               domain.HaltState `json:"halt"`
	ReportPath         string           `json:"report_path,omitempty"`
}

// PreCommitCheck inspects a fully staged kill-switch transaction. A non-nil
// error aborts the transaction.
type PreCommitCheck func(tx *state.Tx) error

// KillSwitch runs the all-or-nothing emergency halt.
type KillSwitch struct {
	store    *state.Store
	alerts   *AlertService
	metrics  *metrics.Metrics
	fx       effects
	logger   *slog.Logger
	lock     domain.LockManager
	lockTTL  time.Duration
	bus      domain.SignalBus
	channel  string
	origin   string
	reports  domain.BlobWriter
	prefix   string
	notifier Notifier
	checks   []PreCommitCheck

	followRetry time.Duration
}

// NewKillSwitch creates a KillSwitch with all required dependencies.
func NewKillSwitch(
	store *state.Store,
	alerts *AlertService,
	events domain.EventPublisher,
	audit domain.AuditSink,
	m *metrics.Metrics,
	logger *slog.Logger,
) *KillSwitch {
	logger = logger.With(slog.String("component", "kill_switch"))
	return &KillSwitch{
		store:   store,
		alerts:  alerts,
		metrics: m,
		fx:      effects{events: events, audit: audit, logger: logger, prefix: "kill_switch"},
		logger:  logger,
		checks:  []PreCommitCheck{verifyFlattened},

		followRetry: defaultFollowRetry,
	}
}

// WithLock serializes executions across replicas with a distributed lock.
func (k *KillSwitch) WithLock(lm domain.LockManager, ttl time.Duration) *KillSwitch {
	k.lock = lm
	k.lockTTL = ttl
	return k
}

// WithSignalBus republishes executions and resets on channel (system_alerts
// when empty) tagged with origin, the identity of this instance.
func (k *KillSwitch) WithSignalBus(bus domain.SignalBus, channel, origin string) *KillSwitch {
	if channel == "" {
		channel = defaultSignalChannel
	}
	k.bus = bus
	k.channel = channel
	k.origin = origin
	return k
}

// WithReports uploads a JSON incident report per execution under prefix.
func (k *KillSwitch) WithReports(w domain.BlobWriter, prefix string) *KillSwitch {
	k.reports = w
	k.prefix = prefix
	return k
}

// WithNotifier sends execution notices to operators.
func (k *KillSwitch) WithNotifier(n Notifier) *KillSwitch {
	k.notifier = n
	return k
}

// WithPreCommitCheck adds a verification run after every change is staged
// and before anything is committed.
func (k *KillSwitch) WithPreCommitCheck(c PreCommitCheck) *KillSwitch {
	k.checks = append(k.checks, c)
	return k
}

// Preview returns the counts an execution would act on without changing
// anything.
func (k *KillSwitch) Preview(ctx context.Context) (KillSwitchResult, error) {
	return k.Execute(ctx, KillSwitchRequest{DryRun: true})
}

// Execute cancels every open order, flattens every position, halts every
// active strategy and raises the global halt, all in one transaction. A dry
// run reports counts and changes nothing.
func (k *KillSwitch) Execute(ctx context.Context, req KillSwitchRequest) (KillSwitchResult, error) {
	caller, err := domain.Authorize(ctx, domain.CapKillSwitch)
	if err != nil {
		k.metrics.KillSwitch("forbidden")
		return KillSwitchResult{}, fmt.Errorf("kill_switch: execute: %w", err)
	}

	if req.DryRun {
		return KillSwitchResult{
			DryRun:     true,
			Before:     countLive(k.store.Orders(nil), k.store.Positions(), k.store.Strategies()),
			ExecutedBy: caller.ID,
			Reason:     req.Reason,
			ExecutedAt: time.Now().UTC(),
			Halt:       k.store.Halt().Load(),
		}, nil
	}
	if !req.Confirm {
		k.metrics.KillSwitch("not_confirmed")
		return KillSwitchResult{}, fmt.Errorf("kill_switch: execute: %w", domain.ErrNotConfirmed)
	}

	if k.lock != nil {
		unlock, err := k.lock.Acquire(ctx, killSwitchLockKey, k.lockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			k.metrics.KillSwitch("lock_held")
			return KillSwitchResult{}, fmt.Errorf("kill_switch: execute: %w", err)
		case err != nil:
			k.logger.WarnContext(ctx, "kill_switch: distributed lock unavailable, continuing locally",
				slog.String("error", err.Error()),
			)
		default:
			defer unlock()
		}
	}
	return k.execute(ctx, caller, req, true)
}

func (k *KillSwitch) execute(ctx context.Context, caller domain.Caller, req KillSwitchRequest, broadcast bool) (KillSwitchResult, error) {
	now := time.Now().UTC()
	res := KillSwitchResult{ExecutedBy: caller.ID, Reason: req.Reason, ExecutedAt: now}
	var haltBefore domain.HaltState

	err := k.store.Transact(func(tx *state.Tx) error {
		haltBefore = tx.Halt()
		res.Before = countLive(tx.Orders(), tx.Positions(), tx.Strategies())

		for _, o := range tx.Orders() {
			if o.Status.Terminal() {
				continue
			}
			o.Status = domain.OrderStatusCancelled
			o.UpdatedAt = now
			if err := tx.PutOrder(o); err != nil {
				return err
			}
			res.OrdersCancelled++
		}
		for _, p := range tx.Positions() {
			if p.Flat() {
				continue
			}
			p.Quantity = decimal.Zero
			p.AvgEntryPrice = decimal.Zero
			p.UpdatedAt = now
			if err := tx.PutPosition(p); err != nil {
				return err
			}
			res.PositionsFlattened++
		}
		for _, st := range tx.Strategies() {
			if st.Status != domain.StrategyStatusActive {
				continue
			}
			st.Status = domain.StrategyStatusHalted
			st.UpdatedAt = now
			if err := tx.PutStrategy(st); err != nil {
				return err
			}
			res.StrategiesHalted++
		}
		tx.SetHalt(domain.HaltState{
			Halted:       true,
			SystemStatus: domain.SystemStatusEmergency,
			Reason:       req.Reason,
			HaltedBy:     caller.ID,
			HaltedAt:     &now,
		})

		for _, check := range k.checks {
			if err := check(tx); err != nil {
				return fmt.Errorf("pre-commit check: %w", err)
			}
		}
		res.After = countLive(tx.Orders(), tx.Positions(), tx.Strategies())
		res.Halt = tx.Halt()
		return nil
	})
	if err != nil {
		k.metrics.KillSwitch("failed")
		k.logger.ErrorContext(ctx, "kill_switch: transaction aborted, nothing committed",
			slog.String("executed_by", caller.ID),
			slog.String("error", err.Error()),
		)
		return KillSwitchResult{}, fmt.Errorf("kill_switch: execute: %w", err)
	}

	k.metrics.KillSwitch("executed")
	k.metrics.SetHalted(true)
	k.metrics.OrdersCancelled(res.OrdersCancelled)

	k.alerts.Raise(ctx, domain.Alert{
		Severity: domain.SeverityCritical,
		Message:  "KILL SWITCH ACTIVATED: " + req.Reason,
		Details: map[string]any{
			"executed_by":         caller.ID,
			"reason":              req.Reason,
			"orders_cancelled":    res.OrdersCancelled,
			"positions_flattened": res.PositionsFlattened,
			"strategies_halted":   res.StrategiesHalted,
		},
		CreatedAt: now,
	})
	k.fx.publish(domain.EventKillSwitch, domain.SeverityCritical, res)
	k.fx.record(ctx, domain.AuditRecord{
		Actor:        actorOf(caller),
		Action:       domain.AuditKillSwitchExecute,
		ResourceType: "system",
		ResourceID:   "kill_switch",
		Before:       map[string]any{"counts": res.Before, "halt": haltBefore},
		After: map[string]any{
			"counts":              res.After,
			"halt":                res.Halt,
			"orders_cancelled":    res.OrdersCancelled,
			"positions_flattened": res.PositionsFlattened,
			"strategies_halted":   res.StrategiesHalted,
			"reason":              req.Reason,
		},
		Timestamp: now,
	})
	if broadcast {
		k.broadcast(ctx, domain.EventKillSwitch, req.Reason, res)
	}
	res.ReportPath = k.uploadReport(ctx, res)
	notifyAsync(ctx, k.notifier, k.logger, "kill_switch", "KILL SWITCH ACTIVATED",
		fmt.Sprintf("by %s: %s\norders cancelled: %d\npositions flattened: %d\nstrategies halted: %d",
			caller.ID, req.Reason, res.OrdersCancelled, res.PositionsFlattened, res.StrategiesHalted))

	k.logger.WarnContext(ctx, "kill_switch: executed",
		slog.String("executed_by", caller.ID),
		slog.String("reason", req.Reason),
		slog.Int("orders_cancelled", res.OrdersCancelled),
		slog.Int("positions_flattened", res.PositionsFlattened),
		slog.Int("strategies_halted", res.StrategiesHalted),
	)
	return res, nil
}

// Reset clears the global halt. Halted strategies stay halted and must be
// re-activated individually.
func (k *KillSwitch) Reset(ctx context.Context, reason string) (domain.HaltState, error) {
	caller, err := domain.Authorize(ctx, domain.CapKillSwitch)
	if err != nil {
		return domain.HaltState{}, fmt.Errorf("kill_switch: reset: %w", err)
	}
	before, after, err := k.store.ResetHalt()
	if err != nil {
		return domain.HaltState{}, fmt.Errorf("kill_switch: reset: %w", err)
	}

	k.metrics.SetHalted(false)
	payload := map[string]any{"reset_by": caller.ID, "reason": reason, "halt": after}
	k.fx.publish(domain.EventHaltReset, domain.SeverityWarning, payload)
	k.fx.record(ctx, domain.AuditRecord{
		Actor:        actorOf(caller),
		Action:       domain.AuditHaltReset,
		ResourceType: "system",
		ResourceID:   "kill_switch",
		Before:       before,
		After:        map[string]any{"halt": after, "reason": reason},
	})
	k.broadcast(ctx, domain.EventHaltReset, reason, payload)

	k.logger.WarnContext(ctx, "kill_switch: halt reset",
		slog.String("reset_by", caller.ID),
		slog.String("reason", reason),
	)
	return after, nil
}

// Status returns the current halt state.
func (k *KillSwitch) Status() domain.HaltState {
	return k.store.Halt().Load()
}

// systemSignal is the message exchanged between instances on system_alerts.
type systemSignal struct {
	Event   domain.EventKind `json:"event"`
	Origin  string           `json:"origin"`
	Reason  string           `json:"reason,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

func (k *KillSwitch) broadcast(ctx context.Context, kind domain.EventKind, reason string, payload any) {
	if k.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(systemSignal{Event: kind, Origin: k.origin, Reason: reason, Payload: raw})
	if err != nil {
		return
	}
	if err := k.bus.Publish(ctx, k.channel, data); err != nil {
		k.logger.WarnContext(ctx, "kill_switch: publish system alert failed",
			slog.String("error", err.Error()),
		)
	}
}

// Follow applies kill-switch executions broadcast by other instances until
// ctx is cancelled. A peer execution halts this instance locally without
// taking the distributed lock or broadcasting again. Peer resets are only
// logged; each instance is reset by an operator. A dropped subscription is
// re-established with exponential backoff.
func (k *KillSwitch) Follow(ctx context.Context) error {
	if k.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	backoff := k.followRetry
	for {
		msgs, err := k.bus.Subscribe(ctx, k.channel)
		if err != nil {
			k.logger.WarnContext(ctx, "kill_switch: subscribe to peer signals failed, retrying",
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)
		} else {
			k.logger.InfoContext(ctx, "kill_switch: following peer signals", slog.String("origin", k.origin))
			backoff = k.followRetry
			k.consumeSignals(ctx, msgs)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.WarnContext(ctx, "kill_switch: peer signal subscription closed, resubscribing",
				slog.Duration("backoff", backoff),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxFollowRetry)
	}
}

// consumeSignals handles peer signals until msgs closes or ctx is done.
func (k *KillSwitch) consumeSignals(ctx context.Context, msgs <-chan []byte) {
	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			data = d
		}

		var sig systemSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			k.logger.WarnContext(ctx, "kill_switch: malformed system signal", slog.String("error", err.Error()))
			continue
		}
		if sig.Origin == k.origin {
			continue
		}
		switch sig.Event {
		case domain.EventKillSwitch:
			if k.store.Halt().Active() {
				continue
			}
			req := KillSwitchRequest{Reason: fmt.Sprintf("peer %s: %s", sig.Origin, sig.Reason), Confirm: true}
			if _, err := k.execute(ctx, domain.SystemCaller, req, false); err != nil {
				k.logger.ErrorContext(ctx, "kill_switch: follow peer execution failed",
					slog.String("peer", sig.Origin),
					slog.String("error", err.Error()),
				)
				continue
			}
			k.metrics.KillSwitch("followed")
		case domain.EventHaltReset:
			k.logger.WarnContext(ctx, "kill_switch: peer reset its halt",
				slog.String("peer", sig.Origin),
				slog.String("reason", sig.Reason),
				slog.Bool("local_halted", k.store.Halt().Active()),
			)
		}
	}
}

func (k *KillSwitch) uploadReport(ctx context.Context, res KillSwitchResult) string {
	if k.reports == nil {
		return ""
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return ""
	}
	path := fmt.Sprintf("%s/%s.json", k.prefix, res.ExecutedAt.Format("20060102T150405.000000000Z"))
	if err := k.reports.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		k.logger.WarnContext(ctx, "kill_switch: incident report upload failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return path
}

func countLive(orders []domain.Order, positions []domain.Position, strategies []domain.Strategy) KillSwitchCounts {
	var c KillSwitchCounts
	for _, o := range orders {
		if !o.Status.Terminal() {
			c.OpenOrders++
		}
	}
	for _, p := range positions {
		if !p.Flat() {
			c.OpenPositions++
		}
	}
	for _, st := range strategies {
		if st.Status == domain.StrategyStatusActive {
			c.ActiveStrategies++
		}
	}
	return c
}

// verifyFlattened refuses to commit unless the staged state is fully halted.
func verifyFlattened(tx *state.Tx) error {
	c := countLive(tx.Orders(), tx.Positions(), tx.Strategies())
	if c != (KillSwitchCounts{}) {
		return fmt.Errorf("residual live entities %+v: %w", c, domain.ErrInvalidState)
	}
	if !tx.Halt().Halted {
		return fmt.Errorf("halt flag not staged: %w", domain.ErrInvalidState)
	}
	return nil
}
