package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// Notifier delivers operator notifications. notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

const notifyTimeout = 15 * time.Second

// effects bundles the post-commit side channels every service writes to.
// None of them can fail the state transition that produced them.
type effects struct {
	events domain.EventPublisher
	audit  domain.AuditSink
	logger *slog.Logger
	prefix string
}

func (e effects) record(ctx context.Context, rec domain.AuditRecord) {
	if e.audit == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := e.audit.Record(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, e.prefix+": audit log failed",
			slog.String("action", rec.Action),
			slog.String("resource_id", rec.ResourceID),
			slog.String("error", err.Error()),
		)
	}
}

func (e effects) publish(kind domain.EventKind, sev domain.Severity, payload any) {
	if e.events == nil {
		return
	}
	e.events.Publish(domain.NewEvent(kind, sev, payload))
}

// notifyAsync sends a notification off the request path. The caller's
// context values are kept but its cancellation is not.
func notifyAsync(ctx context.Context, n Notifier, logger *slog.Logger, event, title, message string) {
	if n == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := n.Notify(ctx, event, title, message); err != nil {
			logger.WarnContext(ctx, "notify failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func actorOf(c domain.Caller) string {
	if c.ID == "" {
		return "unknown"
	}
	return c.ID
}
