package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// MandateStore implements domain.MandateStore on risk_mandates. Numeric
// columns travel as text to keep decimal precision.
type MandateStore struct {
	pool *pgxpool.Pool
}

// NewMandateStore creates a MandateStore backed by pool.
func NewMandateStore(pool *pgxpool.Pool) *MandateStore {
	return &MandateStore{pool: pool}
}

// List returns every mandate ordered by code.
func (s *MandateStore) List(ctx context.Context) ([]domain.Mandate, error) {
	const query = `
		SELECT id, code, description, constraint_type,
			soft_limit::text, hard_limit::text, current_value::text,
			status, active, evaluated_at
		FROM risk_mandates ORDER BY code`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list mandates: %w", err)
	}
	defer rows.Close()

	var out []domain.Mandate
	for rows.Next() {
		var (
			m               domain.Mandate
			soft, hard      *string
			current, status string
			evaluatedAt     *time.Time
		)
		if err := rows.Scan(&m.ID, &m.Code, &m.Description, &m.ConstraintType,
			&soft, &hard, &current, &status, &m.Active, &evaluatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan mandate: %w", err)
		}
		if m.SoftLimit, err = optionalDecimal(soft); err != nil {
			return nil, fmt.Errorf("postgres: mandate %s soft limit: %w", m.Code, err)
		}
		if m.HardLimit, err = optionalDecimal(hard); err != nil {
			return nil, fmt.Errorf("postgres: mandate %s hard limit: %w", m.Code, err)
		}
		if m.CurrentValue, err = decimal.NewFromString(current); err != nil {
			return nil, fmt.Errorf("postgres: mandate %s value: %w", m.Code, err)
		}
		m.Status = domain.MandateStatus(status)
		if evaluatedAt != nil {
			m.EvaluatedAt = evaluatedAt.UTC()
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list mandates: %w", err)
	}
	return out, nil
}

// Upsert inserts a mandate definition or updates its definition fields.
// Status and value are left alone on update.
func (s *MandateStore) Upsert(ctx context.Context, m domain.Mandate) error {
	status := m.Status
	if status == "" {
		status = domain.MandateStatusOK
	}
	const query = `
		INSERT INTO risk_mandates (
			id, code, description, constraint_type, soft_limit, hard_limit,
			current_value, status, active
		) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code,
			description = EXCLUDED.description,
			constraint_type = EXCLUDED.constraint_type,
			soft_limit = EXCLUDED.soft_limit,
			hard_limit = EXCLUDED.hard_limit,
			active = EXCLUDED.active,
			updated_at = NOW()`
	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Code, m.Description, m.ConstraintType,
		decimalText(m.SoftLimit), decimalText(m.HardLimit), m.CurrentValue.String(),
		string(status), m.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert mandate %s: %w", m.Code, err)
	}
	return nil
}

// SaveStatus mirrors an evaluation result.
func (s *MandateStore) SaveStatus(ctx context.Context, id string, status domain.MandateStatus, value string, at time.Time) error {
	const query = `
		UPDATE risk_mandates
		SET status = $2, current_value = $3::numeric, evaluated_at = $4, updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status), value, at)
	if err != nil {
		return fmt.Errorf("postgres: save mandate status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: save mandate status %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func optionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

var _ domain.MandateStore = (*MandateStore)(nil)
