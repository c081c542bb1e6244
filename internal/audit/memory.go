package audit

import (
	"context"
	"sync"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// MemoryStore is an in-process domain.AuditStore used when no database is
// configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) LastDigest(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return "", nil
	}
	return m.entries[len(m.entries)-1].Digest, nil
}

// List returns entries oldest first.
func (m *MemoryStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.AuditEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if opts.Since != nil && e.Record.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.Record.Timestamp.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []domain.AuditEntry{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

var _ domain.AuditStore = (*MemoryStore)(nil)
