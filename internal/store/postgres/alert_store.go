package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// AlertStore implements domain.AlertStore on risk_alerts.
type AlertStore struct {
	pool *pgxpool.Pool
}

// NewAlertStore creates an AlertStore backed by pool.
func NewAlertStore(pool *pgxpool.Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

// Insert stores a new alert. Re-inserting the same id is a no-op.
func (s *AlertStore) Insert(ctx context.Context, a domain.Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("postgres: marshal alert details: %w", err)
	}
	if a.Details == nil {
		details = []byte("{}")
	}
	var mandateID *string
	if a.MandateID != "" {
		mandateID = &a.MandateID
	}

	const query = `
		INSERT INTO risk_alerts (id, mandate_id, severity, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query,
		a.ID, mandateID, string(a.Severity), a.Message, details, a.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: insert alert %s: %w", a.ID, err)
	}
	return nil
}

// Acknowledge marks an alert acknowledged. Already acknowledged rows keep
// their first acknowledgement.
func (s *AlertStore) Acknowledge(ctx context.Context, id, by string, at time.Time) error {
	const query = `
		UPDATE risk_alerts
		SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = $3
		WHERE id = $1 AND NOT acknowledged`
	tag, err := s.pool.Exec(ctx, query, id, by, at)
	if err != nil {
		return fmt.Errorf("postgres: acknowledge alert %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: acknowledge alert %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListRecent returns up to limit alerts, newest first.
func (s *AlertStore) ListRecent(ctx context.Context, limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, COALESCE(mandate_id, ''), severity, message, details,
			acknowledged, COALESCE(acknowledged_by, ''), acknowledged_at, created_at
		FROM risk_alerts ORDER BY created_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var (
			a        domain.Alert
			severity string
			details  []byte
			ackAt    *time.Time
		)
		if err := rows.Scan(&a.ID, &a.MandateID, &severity, &a.Message, &details,
			&a.Acknowledged, &a.AcknowledgedBy, &ackAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan alert: %w", err)
		}
		a.Severity = domain.Severity(severity)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, fmt.Errorf("postgres: alert %s details: %w", a.ID, err)
			}
		}
		if ackAt != nil {
			t := ackAt.UTC()
			a.AcknowledgedAt = &t
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list alerts: %w", err)
	}
	return out, nil
}

var _ domain.AlertStore = (*AlertStore)(nil)
