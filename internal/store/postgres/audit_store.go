package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// AuditStore implements domain.AuditStore on the append-only audit_events
// table.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Append inserts entry. Before and After are stored as JSONB.
func (s *AuditStore) Append(ctx context.Context, entry domain.AuditEntry) error {
	rec := entry.Record
	before, err := json.Marshal(rec.Before)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit before: %w", err)
	}
	after, err := json.Marshal(rec.After)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit after: %w", err)
	}

	const query = `
		INSERT INTO audit_events (
			actor, action, resource_type, resource_id,
			before_state, after_state, occurred_at, prev_digest, digest
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.pool.Exec(ctx, query,
		rec.Actor, rec.Action, rec.ResourceType, rec.ResourceID,
		before, after, rec.Timestamp, entry.PrevDigest, entry.Digest,
	)
	if err != nil {
		return fmt.Errorf("postgres: append audit %s: %w", rec.Action, err)
	}
	return nil
}

// LastDigest returns the digest of the newest entry, or "" for an empty log.
func (s *AuditStore) LastDigest(ctx context.Context) (string, error) {
	var digest string
	err := s.pool.QueryRow(ctx, `SELECT digest FROM audit_events ORDER BY id DESC LIMIT 1`).Scan(&digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: last audit digest: %w", err)
	}
	return digest, nil
}

// List returns entries oldest first so the result can be verified as a
// chain.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, actor, action, resource_type, resource_id,
		before_state, after_state, occurred_at, prev_digest, digest
		FROM audit_events WHERE TRUE`
	args := []any{}
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND occurred_at <= $%d", len(args))
	}
	query += " ORDER BY id ASC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit events: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e             domain.AuditEntry
			before, after []byte
			at            time.Time
		)
		if err := rows.Scan(
			&e.ID, &e.Record.Actor, &e.Record.Action, &e.Record.ResourceType, &e.Record.ResourceID,
			&before, &after, &at, &e.PrevDigest, &e.Digest,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		// Raw JSON keeps numbers exactly as stored so digests re-verify.
		e.Record.Before = rawJSON(before)
		e.Record.After = rawJSON(after)
		e.Record.Timestamp = at.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit events: %w", err)
	}
	return out, nil
}

func rawJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

var _ domain.AuditStore = (*AuditStore)(nil)
