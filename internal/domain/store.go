package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuditEntry is a persisted audit record with its position in the hash chain.
type AuditEntry struct {
	ID         int64       `json:"id"`
	Record     AuditRecord `json:"record"`
	Digest     string      `json:"digest"`
	PrevDigest string      `json:"prev_digest"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Append(ctx context.Context, entry AuditEntry) error
	LastDigest(ctx context.Context) (string, error)
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// MandateStore persists mandate definitions and mirrors their status.
type MandateStore interface {
	List(ctx context.Context) ([]Mandate, error)
	Upsert(ctx context.Context, m Mandate) error
	SaveStatus(ctx context.Context, id string, status MandateStatus, value string, at time.Time) error
}

// AlertStore mirrors alerts for history queries.
type AlertStore interface {
	Insert(ctx context.Context, a Alert) error
	Acknowledge(ctx context.Context, id, by string, at time.Time) error
	ListRecent(ctx context.Context, limit int) ([]Alert, error)
}
